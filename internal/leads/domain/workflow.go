package domain

// Workflow node names. Follow-up nodes double as scheduler step names; the
// tenant cadence maps them to time offsets from bot entry.
const (
	NodeIntake    = "intake"
	NodeQualify   = "qualify"
	NodeFinancing = "financing"
	NodeTour      = "tour"
	NodeValuation = "valuation"
	NodeListing   = "listing"
	NodeDay3      = "day3"
	NodeDay7      = "day7"
	NodeDay14     = "day14"
	NodeDay30     = "day30"
	NodeDone      = "done"
)

// botSequences defines each bot's ordered step sequence. The Human bot has
// no sequence: automation stops the moment a lead is handed to a person.
var botSequences = map[BotType][]string{
	BotLead:   {NodeIntake, NodeQualify, NodeDay3, NodeDay7, NodeDay14, NodeDay30, NodeDone},
	BotBuyer:  {NodeIntake, NodeFinancing, NodeTour, NodeDay3, NodeDay7, NodeDone},
	BotSeller: {NodeIntake, NodeValuation, NodeListing, NodeDay3, NodeDay7, NodeDone},
	BotHuman:  {NodeIntake},
}

// InitialNode returns the first workflow node for a bot.
func InitialNode(bot BotType) string {
	seq := botSequences[bot]
	if len(seq) == 0 {
		return NodeIntake
	}
	return seq[0]
}

// NextNode returns the node after current in the bot's sequence. The second
// return is false when current is unknown or already the last node.
func NextNode(bot BotType, current string) (string, bool) {
	seq := botSequences[bot]
	for i, node := range seq {
		if node == current && i+1 < len(seq) {
			return seq[i+1], true
		}
	}
	return "", false
}

// NodeIndex returns the position of a node within the bot's sequence, or -1
// when the node does not belong to the bot. Used to refuse transitions that
// would move a lead's workflow backward.
func NodeIndex(bot BotType, node string) int {
	for i, candidate := range botSequences[bot] {
		if candidate == node {
			return i
		}
	}
	return -1
}

// IsFollowUpNode reports whether a node is time-driven. Follow-up nodes are
// advanced by scheduler ticks, never by inbound messages.
func IsFollowUpNode(node string) bool {
	switch node {
	case NodeDay3, NodeDay7, NodeDay14, NodeDay30:
		return true
	}
	return false
}

// FollowUpSteps returns the bot's time-driven follow-up nodes in order.
func FollowUpSteps(bot BotType) []string {
	var steps []string
	for _, node := range botSequences[bot] {
		switch node {
		case NodeDay3, NodeDay7, NodeDay14, NodeDay30:
			steps = append(steps, node)
		}
	}
	return steps
}

// LastFollowUpStep returns the final scheduled step for a bot, if any.
func LastFollowUpStep(bot BotType) (string, bool) {
	steps := FollowUpSteps(bot)
	if len(steps) == 0 {
		return "", false
	}
	return steps[len(steps)-1], true
}
