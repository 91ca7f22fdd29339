package conversation

import "fmt"

const (
	msgProcessing   = "Processing your query..."
	msgFailed       = "Something went wrong while processing your query."
	msgPollFailed   = "Error checking pipeline status."
	msgPollTimedOut = "Timed out waiting for the pipeline to finish."
)

var stageLabels = map[string]string{
	"METADATA_EXTRACTION": "Understanding your query",
	"PLANNING":            "Planning the next steps",
	"EXECUTION":           "Running the tools",
}

func slotPrompt(input string) string {
	return fmt.Sprintf("Please provide the %s.", input)
}

// stageText is the in-progress text shown while a pipeline runs
func stageText(stage string) string {
	if stage == "" {
		return msgProcessing
	}
	if label, ok := stageLabels[stage]; ok {
		return label + "..."
	}
	return "Current stage: " + stage
}
