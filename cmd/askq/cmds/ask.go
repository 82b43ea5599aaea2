package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/askq/pkg/events"
	"github.com/go-go-golems/askq/pkg/fanout"
	"github.com/go-go-golems/askq/pkg/orchestrator"
	"github.com/go-go-golems/askq/pkg/session"
	"github.com/go-go-golems/askq/pkg/stream"
	"github.com/go-go-golems/askq/pkg/summary"
)

type AskSettings struct {
	Question       []string `glazed:"question"`
	Mode           string   `glazed:"mode"`
	ResponseLength string   `glazed:"response-length"`
	CustomLength   int      `glazed:"custom-length"`
	Models         []string `glazed:"models"`
	Output         string   `glazed:"output"`
	Answers        bool     `glazed:"answers"`
	ReportDB       string   `glazed:"report-db"`
}

type AskCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = &AskCommand{}

func NewAskCommand() (*AskCommand, error) {
	sections, err := backendSections()
	if err != nil {
		return nil, err
	}
	return &AskCommand{
		CommandDescription: cmds.NewCommandDescription(
			"ask",
			cmds.WithShort("Ask every model one question and print the comparative report"),
			cmds.WithArguments(
				fields.New("question", fields.TypeStringList, fields.WithHelp("Question to ask"), fields.WithRequired(true)),
			),
			cmds.WithFlags(
				fields.New("mode", fields.TypeChoice, fields.WithDefault(string(fanout.ModeBatch)),
					fields.WithChoices(string(fanout.ModeParallel), string(fanout.ModeBatch), string(fanout.ModeSequential)),
					fields.WithHelp("How many models run at once")),
				fields.New("response-length", fields.TypeChoice, fields.WithDefault(string(fanout.LengthMedium)),
					fields.WithChoices(string(fanout.LengthBrief), string(fanout.LengthShort), string(fanout.LengthMedium),
						string(fanout.LengthLong), string(fanout.LengthDetailed), string(fanout.LengthCustom)),
					fields.WithHelp("Requested answer length")),
				fields.New("custom-length", fields.TypeInteger, fields.WithDefault(fanout.DefaultCustomLines),
					fields.WithHelp("Lines requested with --response-length custom")),
				fields.New("models", fields.TypeStringList, fields.WithDefault([]string{}),
					fields.WithHelp("Only ask these models")),
				fields.New("output", fields.TypeChoice, fields.WithDefault("text"),
					fields.WithChoices("text", "json", "yaml"),
					fields.WithHelp("Report output format")),
				fields.New("answers", fields.TypeBool, fields.WithDefault(true),
					fields.WithHelp("Print every model's answer as it completes (text output)")),
				fields.New("report-db", fields.TypeString, fields.WithDefault(""),
					fields.WithHelp("SQLite file to store the report in")),
			),
			cmds.WithSections(sections...),
		),
	}, nil
}

func (c *AskCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	s := &AskSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "init ask settings")
	}
	question := strings.TrimSpace(strings.Join(s.Question, " "))
	if question == "" {
		return orchestrator.ErrEmptyQuestion
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, parsed, appOptions{reportDB: s.ReportDB})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("shutdown failed")
		}
	}()

	text := s.Output == "text"
	p := &askPrinter{w: w, answers: text && s.Answers, results: make(chan askResult, 1)}

	connID := "cli-" + uuid.NewString()
	sub, owned, err := a.bus.BuildSubscriber(ctx, connID)
	if err != nil {
		return err
	}
	fw := stream.NewForwarder(connID, sub, owned, func(sessionID string, payload []byte) (bool, error) {
		return a.registry.Deliver(connID, sessionID, func() error {
			ev, err := events.Decode(payload)
			if err != nil {
				return err
			}
			p.handle(ev)
			return nil
		})
	})
	if err := fw.Start(ctx); err != nil {
		return err
	}
	defer func() {
		fw.Close()
		a.bus.Release(context.WithoutCancel(ctx), connID)
	}()

	sess, err := a.orch.Submit(ctx, connID, orchestrator.Question{
		Text:        question,
		Mode:        fanout.ParseMode(s.Mode),
		Length:      fanout.ParseLength(s.ResponseLength),
		CustomLines: s.CustomLength,
		Models:      s.Models,
	})
	if err != nil {
		return err
	}

	var res askResult
	select {
	case <-ctx.Done():
		a.registry.Stop(sess.ID)
		return ctx.Err()
	case res = <-p.results:
	}
	if res.err != nil {
		return res.err
	}
	return writeReport(w, s.Output, res.report)
}

type askResult struct {
	report *summary.Report
	err    error
}

// askPrinter prints progress of one session and hands over its outcome.
type askPrinter struct {
	w       io.Writer
	answers bool
	results chan askResult
}

func (p *askPrinter) handle(ev events.Event) {
	switch e := ev.(type) {
	case *events.LifecycleUpdate:
		if e.Status == events.LifecycleError {
			p.finish(askResult{err: errors.New(e.Message)})
			return
		}
		if p.answers {
			_, _ = fmt.Fprintf(p.w, "[%3d%%] %s\n", e.Progress, e.Message)
		}
	case *events.ModelUpdate:
		if !p.answers {
			return
		}
		switch e.Status {
		case session.RunCompleted:
			if e.FullResponse != nil {
				_, _ = fmt.Fprintf(p.w, "\n--- %s ---\n%s\n\n", e.Model, strings.TrimSpace(*e.FullResponse))
			}
		case session.RunError:
			_, _ = fmt.Fprintf(p.w, "\n--- %s failed: %s\n\n", e.Model, e.Error)
		}
	case *events.ReportReady:
		p.finish(askResult{report: e.Report})
	}
}

func (p *askPrinter) finish(r askResult) {
	select {
	case p.results <- r:
	default:
	}
}

func writeReport(w io.Writer, format string, report *summary.Report) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		b, err := yaml.Marshal(report)
		if err != nil {
			return errors.Wrap(err, "marshal report")
		}
		_, err = w.Write(b)
		return err
	}

	md := report.Markdown()
	if isatty.IsTerminal(os.Stdout.Fd()) {
		if styled, err := glamour.Render(md, "dark"); err == nil {
			md = styled
		}
	}
	_, err := io.WriteString(w, md)
	return err
}
