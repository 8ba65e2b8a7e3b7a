package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/liamcoop/automation/fields"
)

var rootCmd = &cobra.Command{
	Use:   "automationctl",
	Short: "Author and check workflow automation rules offline",
	Long:  `automationctl validates rule files against a field schema and previews what a rule would do to an entity snapshot.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("schema", "", "Field schema file (JSON or YAML); defaults to the built-in CRM fields")
}

// readDocument loads a JSON or YAML file and returns it as JSON. YAML is
// picked by extension.
func readDocument(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return json.Marshal(doc)
	default:
		return raw, nil
	}
}

func loadSchema(path string) (fields.Schema, error) {
	if path == "" {
		return fields.DefaultSchema(), nil
	}
	raw, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	var schema fields.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return schema, nil
}
