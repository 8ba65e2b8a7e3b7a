package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/liamcoop/automation/events"
	"github.com/liamcoop/automation/fields"
	"github.com/liamcoop/automation/rules"
)

var validateCmd = &cobra.Command{
	Use:   "validate RULE_FILE...",
	Short: "Check rule files against the field schema",
	Long:  `Parses each rule file and reports unknown fields, bad operators, type mismatches and disallowed trigger events.`,
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		schemaPath, _ := cmd.Flags().GetString("schema")
		if err := runValidate(cmd.OutOrStdout(), schemaPath, args); err != nil {
			fmt.Printf("Validation failed: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func loadValidator(schemaPath string) (*rules.Validator, error) {
	schema, err := loadSchema(schemaPath)
	if err != nil {
		return nil, err
	}
	registry, err := fields.NewRegistry(schema)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return rules.NewValidator(registry, events.DefaultTriggers()), nil
}

func loadRule(path string) (*rules.Rule, error) {
	raw, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	rule, err := rules.ParseRule(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rule, nil
}

// runValidate checks every file and reports each one; it fails if any file
// is invalid.
func runValidate(out io.Writer, schemaPath string, paths []string) error {
	validator, err := loadValidator(schemaPath)
	if err != nil {
		return err
	}

	failed := 0
	for _, path := range paths {
		rule, err := loadRule(path)
		if err == nil {
			err = validator.Validate(rule)
		}
		if err != nil {
			failed++
			fmt.Fprintf(out, "%s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(out, "%s: ok\n", path)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d rule files invalid", failed, len(paths))
	}
	return nil
}
