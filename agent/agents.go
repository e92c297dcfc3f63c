package agent

import (
	"github.com/hupe1980/researchmail/credential"
	"github.com/hupe1980/researchmail/delegation"
	"github.com/hupe1980/researchmail/tool"
	"github.com/hupe1980/researchmail/tool/mail"
	"github.com/hupe1980/researchmail/tool/search"
)

// Agent names.
const (
	ResearchAgentName = "research"
	EmailAgentName    = "email"
)

const researchInstruction = `You are an expert research assistant. Today is {{.date}}.

Your capabilities:
1. Web search: use search_web to find current, relevant information.
2. Summaries: pass the results of search_web to summarize_research.
3. Email drafts: when the user asks for an email, call delegate_to_email_agent
   with a clear instruction, the recipients, a subject and the research summary.

Use specific search queries, cite source URLs and keep answers well organized.
Never invent search results. If a tool fails, explain what happened.`

const emailInstruction = `You are a professional email composition assistant. Today is {{.date}}.

Your capabilities:
1. Validate recipient addresses with validate_email_addresses.
2. Check mail authorization with authenticate_mail when unsure.
3. Create drafts with create_email_draft.
4. Review wording with suggest_email_improvements.

Write clear, well structured emails with an appropriate greeting and closing.
Report the draft id when a draft was created. If authorization fails, tell the
user that mail access must be granted again.`

// EmailServices are the external services the email agent's tools use.
type EmailServices struct {
	Drafts      mail.DraftService
	Credentials mail.Credentials
}

// NewEmailAgent creates the email agent.
func NewEmailAgent(svc EmailServices, optFns ...func(o *Options)) (*Agent, error) {
	reg, err := tool.NewRegistry(
		tool.SpecFor(tool.KindValidate, mail.NewValidateTool()),
		tool.SpecFor(tool.KindAuthStatus, mail.NewAuthTool(svc.Credentials)),
		tool.SpecFor(tool.KindDraft, mail.NewDraftTool(svc.Drafts, svc.Credentials)).WithCredential(credential.KindMail),
		tool.SpecFor(tool.KindValidate, mail.NewReviewTool()),
	)
	if err != nil {
		return nil, err
	}

	return New(EmailAgentName, NewInstructionFromTemplate(emailInstruction), reg, optFns...)
}

// NewResearchAgent creates the research agent delegating drafting to email.
func NewResearchAgent(searcher search.Searcher, email *Agent, optFns ...func(o *Options)) (*Agent, error) {
	reg, err := tool.NewRegistry(
		tool.SpecFor(tool.KindSearch, search.NewSearchTool(searcher)),
		tool.SpecFor(tool.KindSummarize, search.NewSummarizeTool()),
		delegation.Spec(delegation.DefaultToolName, "Delegate email drafting to the email agent. Provide an instruction, recipients, a subject and the research summary."),
	)
	if err != nil {
		return nil, err
	}

	opts := append([]func(o *Options){func(o *Options) {
		o.Delegates = map[string]*Agent{delegation.DefaultToolName: email}
	}}, optFns...)

	return New(ResearchAgentName, NewInstructionFromTemplate(researchInstruction), reg, opts...)
}
