package session

// Wrap-up phrases go out a minute before the limit, outro phrases ten seconds before.
var (
	wrapUpPhrases = []string{
		"I'll need to wrap up our financial discussion soon. Let's focus on your most important questions.",
		"We're approaching the end of our session, but I have time for a few more financial insights!",
		"Our consultation time is almost up, but I'd love to address one more financial concern before we finish!",
	}

	outroPhrases = []string{
		"Thank you for this financial consultation. Keep implementing what we discussed, and I'll see you soon!",
		"Our session is complete. Remember to review your financial goals regularly. Take care!",
		"Great discussion about your finances today. Stay disciplined with your plan, and I'll see you next time!",
	}
)

const (
	wrapUpLead = 60
	outroLead  = 10
)
