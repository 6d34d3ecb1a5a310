package verdict

// Templates resolves the refusal text and remediation steps for a
// verdict. Implementations return ok=false for verdicts they do not cover.
type Templates interface {
	TemplateFor(v Verdict) (tmpl RefusalTemplate, suggestions []string, ok bool)
}

type templateEntry struct {
	refusal     RefusalTemplate
	suggestions []string
}

// StaticTemplates is a fixed lookup table.
type StaticTemplates map[Verdict]templateEntry

func (s StaticTemplates) TemplateFor(v Verdict) (RefusalTemplate, []string, bool) {
	e, ok := s[v]
	if !ok {
		return RefusalTemplate{}, nil, false
	}
	return e.refusal, append([]string(nil), e.suggestions...), true
}

// DefaultTemplates covers every non-ALLOW verdict.
var DefaultTemplates = StaticTemplates{
	Panic: {
		refusal: RefusalTemplate{
			Code:    "SAFETY_PANIC",
			Message: "This request was stopped because it matched a critical safety pattern.",
		},
		suggestions: []string{
			"Halt the current action and notify the creator",
			"Review the triggering input before retrying",
			"Escalate to a human operator for manual review",
		},
	},
	Deny: {
		refusal: RefusalTemplate{
			Code:    "SAFETY_DENY",
			Message: "This request was declined by safety policy.",
		},
		suggestions: []string{
			"Rephrase the request without the flagged content",
			"Narrow the request to an approved capability",
			"Ask the creator to grant an explicit exception",
		},
	},
	AskCreator: {
		refusal: RefusalTemplate{
			Code:    "CREATOR_APPROVAL_REQUIRED",
			Message: "This request needs confirmation from the creator before it can proceed.",
		},
		suggestions: []string{
			"Request confirmation from the creator",
			"Provide additional context for the request",
			"Retry once the creator is present",
		},
	},
}
