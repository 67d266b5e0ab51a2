package lifecycle

import "fmt"

type LeadStatus string

const (
	StatusNew        LeadStatus = "new"
	StatusContacting LeadStatus = "contacting"
	StatusConverted  LeadStatus = "converted"
	StatusDiscarded  LeadStatus = "discarded"
	StatusHold       LeadStatus = "hold"
)

// leadTransitions lists the allowed targets of each status. Staying on the
// same status is always allowed.
var leadTransitions = map[LeadStatus][]LeadStatus{
	StatusNew:        {StatusContacting, StatusConverted, StatusDiscarded, StatusHold},
	StatusContacting: {StatusNew, StatusConverted, StatusDiscarded, StatusHold},
	StatusHold:       {StatusNew, StatusContacting, StatusConverted, StatusDiscarded},
	StatusDiscarded:  {StatusNew, StatusContacting, StatusConverted, StatusHold},
	StatusConverted:  {StatusHold, StatusDiscarded},
}

func ParseLeadStatus(value string) (LeadStatus, error) {
	status := LeadStatus(value)
	if _, ok := leadTransitions[status]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, value)
	}
	return status, nil
}

func CanTransition(from, to LeadStatus) bool {
	if from == to {
		return true
	}
	for _, allowed := range leadTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// EntersConversion reports whether moving from -> to is the event that
// materializes a deal.
func EntersConversion(from, to LeadStatus) bool {
	return to == StatusConverted && from != StatusConverted
}

const (
	StageWon  = "won"
	StageLost = "lost"
)

func IsTerminalStage(stage string) bool {
	return stage == StageWon || stage == StageLost
}
