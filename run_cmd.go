package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"go-case-intake/intake"
)

// CaseFile is one case to push through the workflow without a browser.
type CaseFile struct {
	intake.StepInput `yaml:",inline"`

	Fields   map[string]string  `yaml:"fields"`
	Position *intake.Coordinate `yaml:"position"`
	Files    []string           `yaml:"files"`

	// Edits are applied on the preview before confirming.
	Edits map[string]string `yaml:"edits"`
}

func readCaseFile(path string) (CaseFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CaseFile{}, err
	}

	var cf CaseFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return CaseFile{}, fmt.Errorf("failed to parse case file: %w", err)
	}
	return cf, nil
}

// attachments loads the listed files, resolving relative paths against dir.
func (cf CaseFile) attachments(dir string) ([]intake.Attachment, error) {
	files := make([]intake.Attachment, 0, len(cf.Files))
	for _, path := range cf.Files {
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment: %w", err)
		}
		files = append(files, intake.Attachment{Name: filepath.Base(path), Data: data})
	}
	return files, nil
}

func newRunCommand(loadConfig func() (Config, error)) *cobra.Command {
	var casePath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Walk one case file through verification, intake and confirmation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := loadConfig()
			if err != nil {
				return err
			}
			cf, err := readCaseFile(casePath)
			if err != nil {
				return err
			}

			wf := intake.New(intake.Deps{
				Verifier: newVerifier(config),
				Cases:    newCaseService(config),
				Policy:   config.tokenPolicy(),
				Timeout:  config.requestTimeout(),
			})
			return runCase(cmd.Context(), wf, cf, filepath.Dir(casePath), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&casePath, "case", "", "Path of the YAML case file")
	_ = cmd.MarkFlagRequired("case")
	return cmd
}

// runCase drives wf from the first verification step to the landing stage and
// prints the completion message.
func runCase(ctx context.Context, wf *intake.Workflow, cf CaseFile, dir string, out io.Writer) error {
	for _, step := range intake.Sequence {
		transition, err := wf.VerifyStep(ctx, step, cf.StepInput)
		if err != nil {
			return fmt.Errorf("%s: %s: %w", step, intake.UserMessage(err), err)
		}
		if !transition.Advanced {
			return fmt.Errorf("%s: %s", step, transition.Err)
		}
		slog.Info("Verification step passed", "step", step)
	}

	for name, value := range cf.Fields {
		if err := wf.SetField(name, value); err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
	}
	if cf.Position != nil {
		if err := wf.SetLocation(*cf.Position); err != nil {
			return err
		}
	}
	files, err := cf.attachments(dir)
	if err != nil {
		return err
	}
	if err := wf.SetFiles(files); err != nil {
		return fmt.Errorf("%s: %w", intake.UserMessage(err), err)
	}

	id, err := wf.Submit(ctx)
	if err != nil {
		return fmt.Errorf("submit: %s: %w", intake.UserMessage(err), err)
	}
	fmt.Fprintf(out, "session: %s\n", id)

	if _, err := wf.LoadPreview(ctx, id); err != nil {
		return fmt.Errorf("preview: %s: %w", intake.UserMessage(err), err)
	}
	if len(cf.Edits) > 0 {
		var patch intake.RecordPatch
		for name, value := range cf.Edits {
			if err := patch.Set(name, value); err != nil {
				return fmt.Errorf("edit %s: %w", name, err)
			}
		}
		if _, err := wf.EditPreview(func(rec *intake.CaseRecord) error {
			rec.Merge(patch)
			return nil
		}); err != nil {
			return err
		}
	}

	if _, err := wf.Confirm(ctx); err != nil {
		return fmt.Errorf("confirm: %s: %w", intake.UserMessage(err), err)
	}

	message, ok, err := wf.Landing(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("confirmation left no completion message")
	}
	fmt.Fprintln(out, message)
	return nil
}
