package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/sentinel/pkg/restraint"
	"github.com/Mindburn-Labs/sentinel/pkg/verdict"
)

// FallbackConfidence is reported when the doctrine stage cannot assess a
// request and lets it through.
const FallbackConfidence = 0.3

var errNoGate = errors.New("restraint gate unavailable")

// RestrictionReader is the part of restraint.Gate the doctrine needs.
type RestrictionReader interface {
	RestrictionFor(capability string) restraint.Restriction
}

// RestraintDoctrine judges whether a request is situationally appropriate
// given the caps on its capability.
type RestraintDoctrine struct {
	gate RestrictionReader
}

func NewRestraintDoctrine(gate RestrictionReader) *RestraintDoctrine {
	return &RestraintDoctrine{gate: gate}
}

var confidenceByRestriction = map[restraint.Restriction]float64{
	restraint.Unrestricted: 0.95,
	restraint.Monitored:    0.85,
	restraint.Limited:      0.7,
}

func (d *RestraintDoctrine) Assess(_ context.Context, sc *SecurityContext, prior Details) (*DoctrineDetails, error) {
	if d.gate == nil {
		return nil, errNoGate
	}

	r := restraint.Unrestricted
	if sc.Capability != "" {
		r = d.gate.RestrictionFor(sc.Capability)
	}
	creator := sc.Flag(MetaCreatorPresent)
	out := &DoctrineDetails{Restriction: r.String(), Appropriate: true}

	if prior.CSSR != nil && prior.CSSR.Verdict == verdict.AskCreator && !creator {
		out.Appropriate = false
		out.Confidence = 0.9
		out.Reason = "safety analysis requires the creator to be present"
		return out, nil
	}

	if r == restraint.Blocked {
		if prior.Overrides.IsActive(MetaCreatorOverride) && creator {
			out.Confidence = 0.5
			out.Reason = fmt.Sprintf("capability %s is blocked; creator override applied", sc.Capability)
			return out, nil
		}
		out.Appropriate = false
		out.Confidence = 0.95
		out.Reason = fmt.Sprintf("capability %s is blocked", sc.Capability)
		return out, nil
	}

	c, ok := confidenceByRestriction[r]
	if !ok {
		return nil, fmt.Errorf("unexpected restriction %s", r)
	}
	out.Confidence = c
	return out, nil
}
