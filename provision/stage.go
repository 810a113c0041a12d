package provision

import (
	"regexp"
	"strings"

	"github.com/tfkr-ae/rotor/domain"
)

// DefaultDeniedStages are stage names that automated defences are likely to flag.
var DefaultDeniedStages = []string{
	"proxy", "fireprox", "api", "aws", "gateway",
	"prod", "production", "dev", "development", "test", "staging",
	"vpn", "tunnel", "forward", "redirect", "bypass",
	"rotate", "rotation", "security", "pentest",
}

var stagePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// StageValidator checks stage labels before any remote call is made.
type StageValidator struct {
	denied map[string]struct{}
}

// NewStageValidator returns a validator rejecting the given names, ignoring case.
// A nil list uses DefaultDeniedStages.
func NewStageValidator(denied []string) *StageValidator {
	if denied == nil {
		denied = DefaultDeniedStages
	}

	validator := &StageValidator{denied: make(map[string]struct{}, len(denied))}
	for _, name := range denied {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			validator.denied[name] = struct{}{}
		}
	}
	return validator
}

// Validate returns the trimmed stage when it is usable.
func (v *StageValidator) Validate(stage string) (string, error) {
	stage = strings.TrimSpace(stage)
	if stage == "" {
		return "", domain.NewValidationError("stage", "must not be empty")
	}

	if !stagePattern.MatchString(stage) {
		return "", domain.NewValidationError("stage", "%q may only contain letters, digits, hyphens and underscores", stage)
	}

	if _, ok := v.denied[strings.ToLower(stage)]; ok {
		return "", domain.NewValidationError("stage", "%q is on the deny list", stage)
	}

	return stage, nil
}
