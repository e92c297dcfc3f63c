package core

// Dependencies is the per-conversation bundle of secrets and paths a
// conversation's tools may use. The interface is sealed; only the research
// and email bundles implement it.
type Dependencies interface {
	// Session returns the session identifier shared by parent and nested conversations.
	Session() string
	dependencies()
}

// ResearchDependencies belong to a research conversation. They hold the web
// search key and the mail credential paths that are handed on when the
// research agent delegates.
type ResearchDependencies struct {
	SearchAPIKey        Secret `json:"search_api_key"`
	MailCredentialsPath string `json:"mail_credentials_path,omitempty"`
	MailTokenPath       string `json:"mail_token_path,omitempty"`
	SessionID           string `json:"session_id,omitempty"`
}

// Session implements Dependencies.
func (d ResearchDependencies) Session() string { return d.SessionID }

func (ResearchDependencies) dependencies() {}

// EmailDependencies belong to an email conversation. The type has no field for
// the search key, so email conversations cannot observe it.
type EmailDependencies struct {
	MailCredentialsPath string `json:"mail_credentials_path,omitempty"`
	MailTokenPath       string `json:"mail_token_path,omitempty"`
	SessionID           string `json:"session_id,omitempty"`
}

// Session implements Dependencies.
func (d EmailDependencies) Session() string { return d.SessionID }

func (EmailDependencies) dependencies() {}
