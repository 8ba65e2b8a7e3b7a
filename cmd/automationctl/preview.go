package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/liamcoop/automation/automation"
	"github.com/liamcoop/automation/config"
	"github.com/liamcoop/automation/entities"
	"github.com/liamcoop/automation/events"
	"github.com/liamcoop/automation/fields"
	"github.com/liamcoop/automation/ports"
)

var previewCmd = &cobra.Command{
	Use:   "preview RULE_FILE ENTITY_FILE",
	Short: "Dry-run a rule against an entity snapshot",
	Long:  `Evaluates the rule's condition against the snapshot, prints the per-leaf trace and the actions it would plan. Nothing is written.`,
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		schemaPath, _ := cmd.Flags().GetString("schema")
		actor, _ := cmd.Flags().GetString("actor")
		settings := config.DefaultSettings()
		settings.MaxActions, _ = cmd.Flags().GetInt("max-actions")
		settings.MaxSetFieldActions, _ = cmd.Flags().GetInt("max-set-field-actions")

		opts := previewOptions{schemaPath: schemaPath, actor: actor, settings: settings}
		if err := runPreview(cmd.Context(), cmd.OutOrStdout(), opts, args[0], args[1]); err != nil {
			fmt.Printf("Preview failed: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	defaults := config.DefaultSettings()
	previewCmd.Flags().String("actor", "", "User id the actions run on behalf of")
	previewCmd.Flags().Int("max-actions", defaults.MaxActions, "Action ceiling per run")
	previewCmd.Flags().Int("max-set-field-actions", defaults.MaxSetFieldActions, "set_field ceiling per run")
	rootCmd.AddCommand(previewCmd)
}

// entityFile is the on-disk form of an entity snapshot.
type entityFile struct {
	Type          string         `json:"type"`
	ID            string         `json:"id"`
	LegalEntityID string         `json:"legal_entity_id"`
	Attributes    map[string]any `json:"attributes"`
	CustomFields  map[string]any `json:"custom_fields"`
}

type previewOptions struct {
	schemaPath string
	actor      string
	settings   config.Settings
}

func runPreview(ctx context.Context, out io.Writer, opts previewOptions, rulePath, entityPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	schema, err := loadSchema(opts.schemaPath)
	if err != nil {
		return err
	}
	registry, err := fields.NewRegistry(schema)
	if err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	rule, err := loadRule(rulePath)
	if err != nil {
		return err
	}

	raw, err := readDocument(entityPath)
	if err != nil {
		return err
	}
	var ent entityFile
	if err := json.Unmarshal(raw, &ent); err != nil {
		return fmt.Errorf("%s: %w", entityPath, err)
	}
	if ent.Type == "" || ent.ID == "" {
		return fmt.Errorf("%s: type and id are required", entityPath)
	}

	store := entities.NewMemoryStore()
	ref := events.EntityRef{Type: ent.Type, ID: ent.ID}
	store.Upsert(ports.Snapshot{
		Ref:           ref,
		LegalEntityID: ent.LegalEntityID,
		Attributes:    ent.Attributes,
		CustomFields:  ent.CustomFields,
	})

	engine, err := automation.New(automation.Deps{
		Entities: store,
		Registry: registry,
		Settings: config.StaticSettings(opts.settings),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		return err
	}
	result, err := engine.Preview(ctx, rule, ref, opts.actor)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
