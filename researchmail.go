// Package researchmail wires the research and email agents into a runnable
// application. Most programs interact with this package by:
//  1. Loading a config.Config (config.Load)
//  2. Creating an App via New(), optionally overriding backends
//  3. Running requests asynchronously (Stream) or synchronously (Ask)
//
// The façade delegates run management to engine.Engine and keeps setup and
// usage ergonomics concise. Every backend (model providers, web search,
// drafts, credentials, journal) is built from the configuration unless an
// option supplies it.
package researchmail

import (
	"context"
	"errors"
	"fmt"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/researchmail/agent"
	"github.com/hupe1980/researchmail/config"
	"github.com/hupe1980/researchmail/core"
	"github.com/hupe1980/researchmail/credential"
	"github.com/hupe1980/researchmail/delegation"
	"github.com/hupe1980/researchmail/engine"
	"github.com/hupe1980/researchmail/journal"
	"github.com/hupe1980/researchmail/logging"
	"github.com/hupe1980/researchmail/model"
	"github.com/hupe1980/researchmail/model/anthropic"
	"github.com/hupe1980/researchmail/model/openai"
	"github.com/hupe1980/researchmail/orchestrator"
	"github.com/hupe1980/researchmail/provider"
	"github.com/hupe1980/researchmail/session"
	"github.com/hupe1980/researchmail/tool"
	"github.com/hupe1980/researchmail/tool/mail"
	"github.com/hupe1980/researchmail/tool/search"
)

// Options overrides the backends New would build from the configuration.
type Options struct {
	// Candidates replaces the configured model providers.
	Candidates []provider.Candidate
	// Searcher replaces the Tavily client.
	Searcher search.Searcher
	// Drafts replaces the Gmail draft service.
	Drafts mail.DraftService
	// Credentials replaces the manager over the configured token file.
	Credentials *credential.Manager
	// Journal replaces the journal opened at JournalPath. The App does not
	// close a journal it did not open.
	Journal *journal.Journal
	// Logger defaults to the configured logger.
	Logger logging.Logger
	// Sleep overrides the tool retry wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// App is the assembled application.
type App struct {
	cfg         config.Config
	engine      *engine.Engine
	selector    *provider.Selector
	creds       *credential.Manager
	journal     *journal.Journal
	ownsJournal bool
	logger      logging.Logger
}

// New assembles an App from cfg.
func New(cfg config.Config, optFns ...func(o *Options)) (*App, error) {
	opts := Options{}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = cfg.Logger()
	}

	logger := opts.Logger

	if opts.Candidates == nil {
		opts.Candidates = Candidates(cfg)
	}

	selector, err := provider.NewSelector(opts.Candidates, func(o *provider.Options) {
		o.BlacklistWindow = cfg.BlacklistWindow
		o.CallTimeout = cfg.ModelTimeout
		o.Logger = logger
	})
	if err != nil {
		return nil, err
	}

	if opts.Searcher == nil {
		opts.Searcher = search.NewClient(func(o *search.Options) {
			if cfg.SearchBaseURL != "" {
				o.BaseURL = cfg.SearchBaseURL
			}
			o.RequestsPerMinute = cfg.SearchRateLimit
			o.Logger = logger
		})
	}

	if opts.Drafts == nil {
		opts.Drafts = mail.NewGmail(func(o *mail.GmailOptions) {
			o.Endpoint = cfg.GmailEndpoint
		})
	}

	if opts.Credentials == nil {
		opts.Credentials = credential.NewManager(map[credential.Kind]credential.Source{
			credential.KindMail: {Store: credential.NewFileStore(cfg.GmailTokenPath, func(o *credential.FileStoreOptions) {
				o.ClientSecretsPath = cfg.GmailCredentialsPath
			})},
		}, func(o *credential.Options) {
			o.RefreshMargin = cfg.RefreshMargin
			o.Logger = logger
		})
	}

	email, err := agent.NewEmailAgent(agent.EmailServices{Drafts: opts.Drafts, Credentials: opts.Credentials}, func(o *agent.Options) {
		o.MaxTurns = cfg.MaxDelegationTurns
	})
	if err != nil {
		return nil, err
	}

	research, err := agent.NewResearchAgent(opts.Searcher, email, func(o *agent.Options) {
		o.MaxTurns = cfg.MaxTurns
	})
	if err != nil {
		return nil, err
	}

	invoker := tool.NewInvoker(func(o *tool.InvokerOptions) {
		o.MaxAttempts = cfg.RetryMaxAttempts
		o.BaseDelay = cfg.RetryBaseDelay
		o.MaxDelay = cfg.RetryMaxDelay
		o.CallTimeout = cfg.CallTimeout
		o.Credentials = opts.Credentials
		o.Logger = logger
		if opts.Sleep != nil {
			o.Sleep = opts.Sleep
		}
	})

	bridge := delegation.NewBridge(func(o *delegation.Options) {
		o.MaxTurns = cfg.MaxDelegationTurns
		o.Logger = logger
	})

	orch := orchestrator.New(selector, func(o *orchestrator.Options) {
		o.MaxTurns = cfg.MaxTurns
		o.Invoker = invoker
		o.Bridge = bridge
		o.Logger = logger
	})

	app := &App{
		cfg:      cfg,
		selector: selector,
		creds:    opts.Credentials,
		journal:  opts.Journal,
		logger:   logger,
	}

	if app.journal == nil && cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath, func(o *journal.Options) { o.Logger = logger })
		if err != nil {
			return nil, err
		}

		app.journal = j
		app.ownsJournal = true
	}

	callbacks := engine.NewCallbackManager()
	callbacks.RegisterCallback(engine.NewLoggingCallback(engine.CallbackBeforeRun, logger))
	callbacks.RegisterCallback(engine.NewLoggingCallback(engine.CallbackOnEvent, logger))
	callbacks.RegisterCallback(engine.NewLoggingCallback(engine.CallbackAfterRun, logger))

	if app.journal != nil {
		app.registerJournal(callbacks)
	}

	app.engine = engine.New(orch, func(o *engine.Options) {
		o.Config.MaxConcurrentRuns = cfg.MaxConcurrentRuns
		o.Callbacks = callbacks
		o.Logger = logger
	})
	app.engine.Register(research)
	app.engine.Register(email)

	return app, nil
}

func (a *App) registerJournal(callbacks *engine.CallbackManager) {
	j := a.journal

	callbacks.RegisterCallback(engine.NewFunctionCallback(engine.CallbackBeforeRun, func(ctx context.Context, cc *engine.CallbackContext) error {
		if err := j.StartRun(ctx, cc.RunID, cc.Agent); err != nil {
			a.logger.Warn("journal.start_failed", "run_id", cc.RunID, "error", err)
		}
		return nil
	}))

	callbacks.RegisterCallback(engine.NewFunctionCallback(engine.CallbackOnEvent, func(_ context.Context, cc *engine.CallbackContext) error {
		j.Observe(cc.RunID, *cc.Event)
		return nil
	}))
}

// Candidates builds the model providers named by cfg, in priority order.
func Candidates(cfg config.Config) []provider.Candidate {
	providers := cfg.Providers()
	out := make([]provider.Candidate, 0, len(providers))

	for _, p := range providers {
		var m model.Model

		switch p.Kind {
		case config.ProviderAnthropic:
			m = anthropic.NewModel(func(o *anthropic.Options) {
				o.Model = anthropicsdk.Model(p.Model)
				o.APIKey = p.APIKey
				o.BaseURL = p.BaseURL
			})
		default:
			m = openai.NewModel(func(o *openai.Options) {
				o.Provider = p.Name
				o.Model = p.Model
				o.APIKey = p.APIKey
				o.BaseURL = p.BaseURL
			})
		}

		out = append(out, provider.Candidate{Name: p.Name, Endpoint: p.BaseURL, Model: m})
	}

	return out
}

// Request is one user message.
type Request struct {
	// Agent starts a new conversation with the named agent (default research).
	Agent string `json:"agent,omitempty"`
	Input string `json:"input"`
	// ConversationID continues an existing conversation.
	ConversationID string `json:"conversation_id,omitempty"`
}

// Reply is the outcome of Ask.
type Reply struct {
	ConversationID string       `json:"conversation_id"`
	Answer         string       `json:"answer"`
	Events         []core.Event `json:"events"`
}

// Stream starts a run and returns its conversation id and event stream. The
// stream ends with exactly one done or error event.
func (a *App) Stream(ctx context.Context, req Request) (string, <-chan core.Event, error) {
	er := engine.Request{Input: req.Input, ConversationID: req.ConversationID}

	if req.ConversationID == "" {
		er.Agent = req.Agent
		if er.Agent == "" {
			er.Agent = agent.ResearchAgentName
		}

		deps, err := a.dependencies(er.Agent)
		if err != nil {
			return "", nil, err
		}

		er.Dependencies = deps
	}

	conv, events, err := a.engine.Invoke(ctx, er)
	if err != nil {
		return "", nil, err
	}

	return conv.ID(), events, nil
}

func (a *App) dependencies(agentName string) (core.Dependencies, error) {
	sessionID := core.NewID()

	switch agentName {
	case agent.ResearchAgentName:
		return core.ResearchDependencies{
			SearchAPIKey:        a.cfg.TavilyAPIKey,
			MailCredentialsPath: a.cfg.GmailCredentialsPath,
			MailTokenPath:       a.cfg.GmailTokenPath,
			SessionID:           sessionID,
		}, nil
	case agent.EmailAgentName:
		return core.EmailDependencies{
			MailCredentialsPath: a.cfg.GmailCredentialsPath,
			MailTokenPath:       a.cfg.GmailTokenPath,
			SessionID:           sessionID,
		}, nil
	default:
		return nil, core.Errorf(core.KindValidation, "agent %s not found", agentName)
	}
}

// Ask runs req to completion. A run that ends with an error event returns
// the reply collected so far together with that error.
func (a *App) Ask(ctx context.Context, req Request) (*Reply, error) {
	id, events, err := a.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	reply := &Reply{ConversationID: id}

	for ev := range events {
		reply.Events = append(reply.Events, ev)

		switch ev.Type {
		case core.EventDone:
			reply.Answer = ev.Answer
		case core.EventError:
			err = ev.Error.Err()
		}
	}

	return reply, err
}

// Cancel stops the run of a conversation.
func (a *App) Cancel(conversationID string) error {
	return a.engine.StopRun(conversationID)
}

// Conversations lists the live conversations.
func (a *App) Conversations() []session.Info {
	return a.engine.Sessions().List()
}

// DeleteConversation forgets a conversation that is not running.
func (a *App) DeleteConversation(conversationID string) bool {
	return a.engine.Sessions().Delete(conversationID)
}

// Providers reports the health of every model provider.
func (a *App) Providers() []provider.Status {
	return a.selector.Snapshot()
}

// CredentialStatus describes the mail credential without secret material.
func (a *App) CredentialStatus() credential.Status {
	return a.creds.Status(credential.KindMail)
}

// Journal returns the event journal, or nil when journaling is disabled.
func (a *App) Journal() *journal.Journal {
	return a.journal
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Close cancels active runs, waits for them within ctx and closes the
// journal the App opened.
func (a *App) Close(ctx context.Context) error {
	var errs []error

	if err := a.engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown runs: %w", err))
	}

	if a.ownsJournal {
		if err := a.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}

	return errors.Join(errs...)
}
