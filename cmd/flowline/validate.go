package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mfujita/flowline/internal/pipeline"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file|dir>",
		Short: "Validate pipeline definition files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := collectDefinitionFiles(args[0])
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("no pipeline definitions found in %s", args[0])
			}

			failed := 0
			for _, path := range paths {
				if err := validateFile(cmd, path); err != nil {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions invalid", failed, len(paths))
			}
			return nil
		},
	}
}

func validateFile(cmd *cobra.Command, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
		return err
	}
	def, err := pipeline.Parse(data)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
		return err
	}
	if err := def.Validate(); err != nil {
		if verrs, ok := err.(*pipeline.ValidationErrors); ok {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s:\n%s", path, verrs.FormatStderr())
		} else {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s, %d tasks)\n", path, def.Name, len(def.Tasks))
	return nil
}

func collectDefinitionFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			paths = append(paths, filepath.Join(root, name))
		}
	}
	return paths, nil
}
