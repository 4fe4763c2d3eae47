package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/meanderhq/meander-go/internal/campaign"
)

// FileResult holds validation results for one definition file.
type FileResult struct {
	File   string                     `json:"file"`
	Valid  bool                       `json:"valid"`
	Errors []campaign.ValidationError `json:"errors,omitempty"`
}

// ValidateResult holds validation results across all files.
type ValidateResult struct {
	Files   []FileResult `json:"files"`
	Invalid int          `json:"invalid"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <definition.json> [definition.json...]",
		Short: "Validate campaign definitions",
		Long: `Validate campaign definition files without activating them.

Each file is checked against the campaign schema and then structurally:
screen references, id uniqueness, action payloads, trigger specs, and
time windows. All problems are reported, not just the first.

Exit codes:
  0 - All definitions valid
  1 - One or more definitions invalid
  2 - Command error (unreadable file, etc.)`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, files []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	result := ValidateResult{Files: make([]FileResult, 0, len(files))}

	for _, file := range files {
		formatter.VerboseLog("Validating %s", file)

		data, err := os.ReadFile(file)
		if err != nil {
			// Unreadable input is a command error, not a validation verdict.
			_ = formatter.Error(ErrCodeRead, fmt.Sprintf("read definition %s: %v", file, err), nil)
			return NewExitError(ExitCommandError, fmt.Sprintf("read definition %s", file))
		}

		result.Files = append(result.Files, validateFile(file, data))
	}

	for _, fr := range result.Files {
		if !fr.Valid {
			result.Invalid++
		}
	}

	if result.Invalid > 0 {
		return outputValidateFailure(formatter, result)
	}
	return outputValidateSuccess(formatter, result)
}

// validateFile runs one definition through the full parse-and-validate
// path and flattens whatever comes back into ValidationError entries.
func validateFile(file string, data []byte) FileResult {
	_, err := campaign.ParseDefinition(data)
	if err == nil {
		return FileResult{File: file, Valid: true}
	}

	fr := FileResult{File: file, Valid: false}

	var verrs campaign.ValidationErrors
	var serr *campaign.SchemaError
	switch {
	case errors.As(err, &verrs):
		fr.Errors = verrs
	case errors.As(err, &serr):
		fr.Errors = []campaign.ValidationError{{
			Field:   "definition",
			Message: serr.Error(),
			Code:    ErrCodeSchema,
		}}
	default:
		fr.Errors = []campaign.ValidationError{{
			Field:   "definition",
			Message: err.Error(),
			Code:    ErrCodeSchema,
		}}
	}
	return fr
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, result ValidateResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintln(formatter.Writer, "✓ All definitions valid")
	return nil
}

// outputValidateFailure outputs validation errors grouped per file.
func outputValidateFailure(formatter *OutputFormatter, result ValidateResult) error {
	errorCount := 0
	for _, fr := range result.Files {
		errorCount += len(fr.Errors)
	}

	if formatter.Format == "json" {
		first := firstValidationError(result)
		response := CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    first.Code,
				Message: first.Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		// Invalid definitions = exit code 1
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", errorCount))
	}

	// Text format
	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, fr := range result.Files {
		if fr.Valid {
			continue
		}
		fmt.Fprintf(formatter.Writer, "%s\n", filepath.Clean(fr.File))
		for _, verr := range fr.Errors {
			fmt.Fprintf(formatter.Writer, "  %s %s: %s\n", verr.Code, verr.Field, verr.Message)
		}
		fmt.Fprintln(formatter.Writer)
	}

	// Invalid definitions = exit code 1
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", errorCount))
}

func firstValidationError(result ValidateResult) campaign.ValidationError {
	for _, fr := range result.Files {
		if len(fr.Errors) > 0 {
			return fr.Errors[0]
		}
	}
	return campaign.ValidationError{Code: ErrCodeSchema, Message: "validation failed"}
}
