package backend

import (
	"fmt"
	"strings"
)

const systemPrompt = `You estimate how many people a company employs in one country.
Answer in exactly three lines:
Count: <a single integer, or Unknown if you have no reliable information>
Confidence: <HIGH, MEDIUM or LOW>
Evidence: <one sentence naming the basis for the number>`

func userPrompt(entity, region string) string {
	return fmt.Sprintf("How many employees does %q have in %s?", entity, region)
}

// evidenceOf returns the text after an "Evidence:" label, or "" when the
// answer has no such line.
func evidenceOf(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if len(line) >= 9 && strings.EqualFold(line[:9], "evidence:") {
			return strings.TrimSpace(line[9:])
		}
	}
	return ""
}
