package drip

import (
	"strings"
)

// FormField is one field of a form submission.
type FormField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FormPayload covers the form webhook shapes we accept:
// flat {email, firstname}, {submissionData: {...}}, {fields: [...]} and {properties: {...}}.
type FormPayload struct {
	Email          string            `json:"email"`
	FirstName      string            `json:"firstname"`
	FirstNameCamel string            `json:"firstName"`
	Fields         []FormField       `json:"fields"`
	SubmissionData *FormPayload      `json:"submissionData"`
	Properties     map[string]string `json:"properties"`
}

// Lead is a form submission reduced to what the sequencer needs.
type Lead struct {
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"firstname" validate:"omitempty,min=1,max=100"`
}

// Lead extracts the lead from whichever shape was submitted.
// The first shape carrying an email wins.
func (p *FormPayload) Lead() Lead {
	submission := p
	if p.SubmissionData != nil {
		submission = p.SubmissionData
	}

	var lead Lead
	switch {
	case submission.Email != "":
		lead.Email = submission.Email
		lead.FirstName = firstNonEmpty(submission.FirstName, submission.FirstNameCamel)
	case len(submission.Fields) > 0:
		for _, f := range submission.Fields {
			switch f.Name {
			case "email", "Email":
				if lead.Email == "" {
					lead.Email = f.Value
				}
			case "firstname", "firstName", "First Name":
				if lead.FirstName == "" {
					lead.FirstName = f.Value
				}
			}
		}
	case p.Properties != nil:
		lead.Email = p.Properties["email"]
		lead.FirstName = firstNonEmpty(p.Properties["firstname"], p.Properties["firstName"])
	}

	lead.Email = strings.TrimSpace(lead.Email)
	lead.FirstName = strings.TrimSpace(lead.FirstName)
	return lead
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
