package mail

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/hupe1980/researchmail/core"
	"github.com/hupe1980/researchmail/credential"
)

// DraftRef identifies a created draft.
type DraftRef struct {
	DraftID   string `json:"draft_id"`
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// DraftService creates drafts in a mailbox. Implementations classify their
// failures as *core.Error (auth_expired, rate_limited, transient).
type DraftService interface {
	CreateDraft(ctx context.Context, tok *credential.Token, d Draft) (DraftRef, error)
	// FindDraftByMessageID looks up a draft by its RFC 822 Message-ID.
	FindDraftByMessageID(ctx context.Context, tok *credential.Token, messageID string) (DraftRef, bool, error)
}

// GmailOptions configures the Gmail draft service.
type GmailOptions struct {
	// Endpoint overrides the API base URL.
	Endpoint string
	// HTTPClient is the base transport; the access token is layered on top.
	HTTPClient *http.Client
	UserID     string
}

// Gmail is a DraftService backed by the Gmail API.
type Gmail struct {
	opts GmailOptions
}

// NewGmail creates a Gmail draft service.
func NewGmail(optFns ...func(o *GmailOptions)) *Gmail {
	opts := GmailOptions{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		UserID:     "me",
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Gmail{opts: opts}
}

func (g *Gmail) service(ctx context.Context, tok *credential.Token) (*gmail.Service, error) {
	if tok == nil || tok.AccessToken.IsZero() {
		return nil, core.Errorf(core.KindAuthExpired, "mail credential has no access token")
	}

	base := g.opts.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok.AccessToken.Reveal(), TokenType: "Bearer"})
	hc := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, base), ts)

	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if g.opts.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.opts.Endpoint))
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, core.NewError(core.KindInternal, "create mail client", err)
	}

	return svc, nil
}

// CreateDraft implements DraftService.
func (g *Gmail) CreateDraft(ctx context.Context, tok *credential.Token, d Draft) (DraftRef, error) {
	svc, err := g.service(ctx, tok)
	if err != nil {
		return DraftRef{}, err
	}

	raw, err := d.Raw()
	if err != nil {
		return DraftRef{}, core.NewError(core.KindInternal, "encode draft", err)
	}

	created, err := svc.Users.Drafts.Create(g.opts.UserID, &gmail.Draft{Message: &gmail.Message{Raw: raw}}).Context(ctx).Do()
	if err != nil {
		return DraftRef{}, classifyAPIError("create draft", err)
	}

	return refOf(created), nil
}

// FindDraftByMessageID implements DraftService.
func (g *Gmail) FindDraftByMessageID(ctx context.Context, tok *credential.Token, messageID string) (DraftRef, bool, error) {
	svc, err := g.service(ctx, tok)
	if err != nil {
		return DraftRef{}, false, err
	}

	resp, err := svc.Users.Drafts.List(g.opts.UserID).Q("rfc822msgid:" + messageID).MaxResults(1).Context(ctx).Do()
	if err != nil {
		return DraftRef{}, false, classifyAPIError("find draft", err)
	}

	if len(resp.Drafts) == 0 {
		return DraftRef{}, false, nil
	}

	return refOf(resp.Drafts[0]), true, nil
}

func refOf(d *gmail.Draft) DraftRef {
	ref := DraftRef{DraftID: d.Id}
	if d.Message != nil {
		ref.MessageID = d.Message.Id
		ref.ThreadID = d.Message.ThreadId
	}

	return ref
}

func classifyAPIError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return core.NewError(core.KindTransient, op+": mail service unreachable", err)
	}

	switch code := gerr.Code; {
	case code == http.StatusUnauthorized:
		return core.NewError(core.KindAuthExpired, op+": mail credential rejected", err)
	case code == http.StatusTooManyRequests || (code == http.StatusForbidden && rateLimitReason(gerr)):
		return &core.Error{
			Kind:       core.KindRateLimited,
			Reason:     op + ": mail service rate limit exceeded",
			Err:        err,
			RetryAfter: retryAfter(gerr.Header),
		}
	case code >= 500:
		return core.NewError(core.KindTransient, op+": mail service error "+strconv.Itoa(code), err)
	default:
		return core.NewError(core.KindInternal, op+": mail service rejected the request with status "+strconv.Itoa(code), err)
	}
}

func rateLimitReason(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}

	return false
}

func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}

	if secs, err := strconv.Atoi(h.Get("Retry-After")); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}

	return 0
}
