package reply

import "leadrouter_backend/internal/leads/domain"

// Scripted replies keep conversations alive when the model is unavailable.
// Keyed by bot then workflow node; the generic line covers anything missing.

const genericReply = "Thanks for your message! Let me look into that and get right back to you."

var scriptedReplies = map[domain.BotType]map[string]string{
	domain.BotLead: {
		domain.NodeIntake:  "Hi! Thanks for reaching out. Are you currently looking to buy, sell, or just exploring the market?",
		domain.NodeQualify: "Great to hear from you! To point you in the right direction, what's your timeline and rough budget?",
	},
	domain.BotBuyer: {
		domain.NodeIntake:    "Happy to help with your home search! What areas are you focusing on?",
		domain.NodeFinancing: "Have you had a chance to speak with a lender yet? I can recommend a couple of great ones.",
		domain.NodeTour:      "Would you like to set up a time to tour a few homes this week?",
	},
	domain.BotSeller: {
		domain.NodeIntake:    "Thinking about selling? I'd love to help. Tell me a bit about your property.",
		domain.NodeValuation: "I can put together a free market analysis for your home. What's the address?",
		domain.NodeListing:   "Ready to talk listing strategy? I can walk you through pricing and timing.",
	},
}

func scriptedReply(bot domain.BotType, node string) string {
	if byNode, ok := scriptedReplies[bot]; ok {
		if text, ok := byNode[node]; ok {
			return text
		}
	}
	return genericReply
}

var followUpScripts = map[domain.BotType]map[string]string{
	domain.BotLead: {
		domain.NodeDay3:  "Hi again! Just checking in. Any questions about the market I can answer?",
		domain.NodeDay7:  "Hope your week is going well! Still happy to help whenever you're ready.",
		domain.NodeDay14: "The market has moved a bit since we last talked. Want a quick update for your area?",
		domain.NodeDay30: "It's been a while! If your plans have changed, no worries. I'm here when you need me.",
	},
	domain.BotBuyer: {
		domain.NodeDay3: "A few new listings just hit the market that might fit what you're looking for. Want me to send them over?",
		domain.NodeDay7: "Still thinking it over? Happy to set up a no-pressure tour whenever works for you.",
	},
	domain.BotSeller: {
		domain.NodeDay3: "Your market analysis is ready whenever you'd like to take a look. Should I send it?",
		domain.NodeDay7: "Homes in your neighborhood are getting strong interest right now. Want to talk timing?",
	},
}

func followUpScript(bot domain.BotType, step string) (string, bool) {
	byStep, ok := followUpScripts[bot]
	if !ok {
		return "", false
	}
	text, ok := byStep[step]
	return text, ok
}
