package config

import (
	"fmt"
	"strings"
)

const (
	StageEager    = "eager"
	StageCompiled = "compiled"
	StageFusion   = "fusion"
)

// NormalizeStage maps a stage name or alias to its canonical name.
func NormalizeStage(raw string) (string, error) {
	stage := strings.ToLower(strings.TrimSpace(raw))
	switch stage {
	case StageEager, StageCompiled, StageFusion:
		return stage, nil
	case "dynamic", "interpreter":
		return StageEager, nil
	case "aot", "unfused":
		return StageCompiled, nil
	case "fused":
		return StageFusion, nil
	default:
		return "", fmt.Errorf(
			"invalid stage %q (expected %s|%s|%s)",
			raw,
			StageEager,
			StageCompiled,
			StageFusion,
		)
	}
}

// NormalizeStages canonicalizes names, keeping their order. The eager stage
// produces the references later stages compare against, so it must come
// first whenever another stage is listed.
func NormalizeStages(raw []string) ([]string, error) {
	var out []string

	seen := map[string]bool{}

	for _, r := range raw {
		for _, part := range strings.Split(r, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}

			s, err := NormalizeStage(part)
			if err != nil {
				return nil, err
			}

			if seen[s] {
				return nil, fmt.Errorf("stage %q listed twice", s)
			}

			seen[s] = true
			out = append(out, s)
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no stages configured")
	}

	if out[0] != StageEager {
		return nil, fmt.Errorf("first stage must be %q, got %q", StageEager, out[0])
	}

	return out, nil
}
