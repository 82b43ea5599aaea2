package cmds

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"

	"github.com/go-go-golems/askq/pkg/inference/config"
)

type ModelsSettings struct {
	Refresh bool `glazed:"refresh"`
}

type ModelsCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = &ModelsCommand{}

func NewModelsCommand() (*ModelsCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	inferenceSection, err := config.NewSection()
	if err != nil {
		return nil, err
	}

	return &ModelsCommand{
		CommandDescription: cmds.NewCommandDescription(
			"models",
			cmds.WithShort("List the models questions are fanned out to"),
			cmds.WithLong("List the merged model catalog: models discovered through Ollama, the models file and echo models, in the order they are asked."),
			cmds.WithFlags(
				fields.New("refresh", fields.TypeBool, fields.WithDefault(false),
					fields.WithHelp("Query every source again instead of the cached catalog")),
			),
			cmds.WithSections(glazedSection, commandSettingsSection, inferenceSection),
		),
	}, nil
}

func (c *ModelsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsed *values.Values,
	gp middlewares.Processor,
) error {
	s := &ModelsSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	inf := config.Settings{}
	if err := parsed.DecodeSectionInto(config.SectionSlug, &inf); err != nil {
		return errors.Wrap(err, "init inference settings")
	}

	cat := inf.Build().Catalog
	list := cat.List
	if s.Refresh {
		list = cat.Refresh
	}
	models, err := list(ctx)
	if err != nil {
		return err
	}
	for i, m := range models {
		row := types.NewRow(
			types.MRP("index", i),
			types.MRP("name", m.Key()),
			types.MRP("model", m.Name),
			types.MRP("provider", m.Provider),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}
