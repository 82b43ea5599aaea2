package cmds

import (
	"context"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"

	"github.com/go-go-golems/askq/pkg/session"
	"github.com/go-go-golems/askq/pkg/stream"
	"github.com/go-go-golems/askq/pkg/webchat"
)

type ServeSettings struct {
	Addr             string `glazed:"addr"`
	ReportDB         string `glazed:"report-db"`
	SessionRetention int    `glazed:"session-retention"`
	ChannelSize      int    `glazed:"channel-size"`
	WriteTimeout     int    `glazed:"write-timeout"`
}

type ServeCommand struct {
	*cmds.CommandDescription
}

var _ cmds.BareCommand = &ServeCommand{}

func NewServeCommand() (*ServeCommand, error) {
	sections, err := backendSections()
	if err != nil {
		return nil, err
	}
	return &ServeCommand{
		CommandDescription: cmds.NewCommandDescription(
			"serve",
			cmds.WithShort("Serve the websocket endpoint that fans questions out to every model"),
			cmds.WithFlags(
				fields.New("addr", fields.TypeString, fields.WithDefault(":8000"),
					fields.WithHelp("HTTP listen address")),
				fields.New("report-db", fields.TypeString, fields.WithDefault(""),
					fields.WithHelp("SQLite file for session reports (in memory when empty)")),
				fields.New("session-retention", fields.TypeInteger, fields.WithDefault(int(session.DefaultRetention/time.Second)),
					fields.WithHelp("Seconds a finished session stays inspectable")),
				fields.New("channel-size", fields.TypeInteger, fields.WithDefault(stream.DefaultChannelSize),
					fields.WithHelp("Buffered updates per session before producers block")),
				fields.New("write-timeout", fields.TypeInteger, fields.WithDefault(10),
					fields.WithHelp("Websocket write timeout in seconds")),
			),
			cmds.WithSections(sections...),
		),
	}, nil
}

func (c *ServeCommand) Run(ctx context.Context, parsed *values.Values) error {
	s := &ServeSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "init serve settings")
	}

	a, err := buildApp(ctx, parsed, appOptions{
		reportDB:    s.ReportDB,
		retention:   time.Duration(s.SessionRetention) * time.Second,
		channelSize: s.ChannelSize,
	})
	if err != nil {
		return err
	}

	srv, err := webchat.NewServer(ctx, s.Addr, a.orch, a.bus, a.engine,
		webchat.WithWriteTimeout(time.Duration(s.WriteTimeout)*time.Second))
	if err != nil {
		_ = a.Close()
		return err
	}
	// Run closes the bus and the report store on shutdown.
	return srv.Run(ctx)
}
