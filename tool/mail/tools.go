package mail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/researchmail/core"
	"github.com/hupe1980/researchmail/credential"
	"github.com/hupe1980/researchmail/tool"
)

// Tool names of the email agent.
const (
	DraftToolName    = "create_email_draft"
	ValidateToolName = "validate_email_addresses"
	AuthToolName     = "authenticate_mail"
	ReviewToolName   = "suggest_email_improvements"
)

// Credentials provides mail tokens. *credential.Manager implements it.
type Credentials interface {
	Get(ctx context.Context, kind credential.Kind) (*credential.Token, error)
	Status(kind credential.Kind) credential.Status
}

type draftArgs struct {
	To      []string `json:"to" description:"Recipient email addresses"`
	Subject string   `json:"subject" description:"Email subject line" minLength:"1"`
	Body    string   `json:"body" description:"Plain text email body" minLength:"1"`
	Cc      []string `json:"cc,omitempty" description:"CC recipients"`
	Bcc     []string `json:"bcc,omitempty" description:"BCC recipients"`
}

// DraftResult is the payload of a created (or recovered) draft.
type DraftResult struct {
	Success    bool      `json:"success"`
	DraftRef
	Recipients []string  `json:"recipients"`
	Subject    string    `json:"subject"`
	CreatedAt  time.Time `json:"created_at"`
	// Recovered is set when an earlier attempt had already created the draft.
	Recovered bool `json:"recovered,omitempty"`
}

// NewDraftTool returns create_email_draft. All recipients are validated
// before the mail service is contacted. The draft's Message-ID is derived
// from the call's idempotency key; retries first look for a draft with that
// Message-ID so a lost response never produces a duplicate draft.
func NewDraftTool(svc DraftService, creds Credentials) *tool.FunctionTool {
	return tool.NewFunctionToolFromStruct(
		DraftToolName,
		"Create an email draft in the user's mailbox. Addresses are validated first.",
		draftArgs{},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			d := Draft{
				To:        stringList(args["to"]),
				Cc:        stringList(args["cc"]),
				Bcc:       stringList(args["bcc"]),
				MessageID: MessageIDFor(tc.IdempotencyKey()),
			}
			d.Subject, _ = args["subject"].(string)
			d.Body, _ = args["body"].(string)

			if len(d.To) == 0 {
				return nil, core.Errorf(core.KindValidation, "at least one recipient is required")
			}

			var invalid []string
			for _, group := range [][]string{d.To, d.Cc, d.Bcc} {
				invalid = append(invalid, ValidateAddresses(group).Invalid...)
			}

			if len(invalid) > 0 {
				return nil, core.Errorf(core.KindValidation, "invalid email addresses: %s", strings.Join(invalid, ", "))
			}

			ctx := tc.Context()

			tok, err := creds.Get(ctx, credential.KindMail)
			if err != nil {
				tc.LogWarn("mail.draft.credential_unavailable", "call_id", tc.CallID(), "error", core.SafeMessage(err))
				return nil, err
			}

			if tc.Attempt() > 1 {
				ref, found, err := svc.FindDraftByMessageID(ctx, tok, d.MessageID)
				if err != nil {
					return nil, err
				}

				if found {
					tc.LogInfo("mail.draft.recovered", "call_id", tc.CallID(), "draft_id", ref.DraftID)
					return draftResult(d, ref, true), nil
				}
			}

			ref, err := svc.CreateDraft(ctx, tok, d)
			if err != nil {
				return nil, err
			}

			tc.LogInfo("mail.draft.created", "call_id", tc.CallID(), "draft_id", ref.DraftID, "recipients", len(d.To))

			return draftResult(d, ref, false), nil
		},
	)
}

func draftResult(d Draft, ref DraftRef, recovered bool) DraftResult {
	return DraftResult{
		Success:    true,
		DraftRef:   ref,
		Recipients: d.To,
		Subject:    d.Subject,
		CreatedAt:  time.Now().UTC(),
		Recovered:  recovered,
	}
}

type validateArgs struct {
	Emails []string `json:"emails" description:"Email addresses to validate"`
}

// NewValidateTool returns validate_email_addresses.
func NewValidateTool() *tool.FunctionTool {
	return tool.NewFunctionToolFromStruct(
		ValidateToolName,
		"Validate email address format and flag suspicious domains.",
		validateArgs{},
		func(_ *core.ToolContext, args map[string]any) (any, error) {
			return ValidateAddresses(stringList(args["emails"])), nil
		},
	)
}

// AuthStatus is the payload of authenticate_mail. It never carries tokens.
type AuthStatus struct {
	Authenticated   bool             `json:"authenticated"`
	State           credential.State `json:"state"`
	ExpiresAt       *time.Time       `json:"expires_at,omitempty"`
	Scopes          []string         `json:"scopes,omitempty"`
	HasRefreshToken bool             `json:"has_refresh_token"`
}

// NewAuthTool returns authenticate_mail. It makes sure a usable mail token
// exists (refreshing it if needed) and reports the credential state.
func NewAuthTool(creds Credentials) *tool.FunctionTool {
	return tool.NewFunctionTool(
		AuthToolName,
		"Check that mail access is authorized and report the credential state.",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(tc *core.ToolContext, _ map[string]any) (any, error) {
			if _, err := creds.Get(tc.Context(), credential.KindMail); err != nil {
				return nil, err
			}

			st := creds.Status(credential.KindMail)

			out := AuthStatus{
				Authenticated:   true,
				State:           st.State,
				Scopes:          st.Scopes,
				HasRefreshToken: st.HasRefreshToken,
			}

			if !st.Expiry.IsZero() {
				exp := st.Expiry
				out.ExpiresAt = &exp
			}

			return out, nil
		},
	)
}

type reviewArgs struct {
	Content       string `json:"email_content" description:"Email text to review" minLength:"1"`
	RecipientType string `json:"recipient_type,omitempty" description:"Audience" enum:"professional,casual,formal"`
}

// Review is the payload of suggest_email_improvements.
type Review struct {
	Suggestions   []string `json:"suggestions"`
	RecipientType string   `json:"recipient_type"`
}

// NewReviewTool returns suggest_email_improvements, a heuristic content check.
func NewReviewTool() *tool.FunctionTool {
	return tool.NewFunctionToolFromStruct(
		ReviewToolName,
		"Suggest improvements for an email's length, tone and focus.",
		reviewArgs{},
		func(_ *core.ToolContext, args map[string]any) (any, error) {
			content, _ := args["email_content"].(string)
			kind, _ := args["recipient_type"].(string)

			return ReviewContent(content, kind), nil
		},
	)
}

// ReviewContent returns heuristic suggestions for content.
func ReviewContent(content, recipientType string) Review {
	if recipientType == "" {
		recipientType = "professional"
	}

	s := []string{}

	switch n := len(content); {
	case n > 1000:
		s = append(s, "Consider making the email more concise. Aim for 300-500 words.")
	case n < 50:
		s = append(s, "The email might be too brief. Consider adding more context.")
	}

	if strings.Contains(content, "!!!") {
		s = append(s, "Avoid excessive exclamation marks.")
	}

	if strings.Count(content, "I") > 2*strings.Count(content, "you") {
		s = append(s, "Use more recipient focused language.")
	}

	switch recipientType {
	case "professional":
		s = append(s, "Keep a professional tone with a clear structure.")
	case "casual":
		s = append(s, "Use friendly, approachable language while staying clear.")
	case "formal":
		s = append(s, "Use formal language with proper salutations and closings.")
	}

	return Review{Suggestions: s, RecipientType: recipientType}
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return nil
	}
}

// ArtifactID reports the draft id as the artifact of a draft call.
func (r DraftResult) ArtifactID() string { return r.DraftID }
