package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"wraith/internal/plan"
)

var classifyMode string

var classifyCmd = &cobra.Command{
	Use:   "classify [intent]",
	Short: "Classify an intent and preview its decomposition plan",
	Long: `Runs the offline half of submission handling: intent classification,
URL normalization for navigations, and plan decomposition for the ghost
routes. Nothing executes; the result prints as indented JSON.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runClassify,
}

func init() {
	classifyCmd.Flags().StringVar(&classifyMode, "mode", string(plan.ModeAuto), "classification mode override (AUTO, BROWSE, DO, MAKE, RESEARCH)")
}

func runClassify(cmd *cobra.Command, args []string) error {
	text := strings.Join(args, " ")
	c := plan.Classify(text, plan.Mode(strings.ToUpper(classifyMode)))

	preview := struct {
		Input          string              `json:"input"`
		Classification plan.Classification `json:"classification"`
		NormalizedURL  string              `json:"normalizedUrl,omitempty"`
		Plan           *plan.Plan          `json:"plan,omitempty"`
	}{
		Input:          text,
		Classification: c,
	}

	switch c.Intent {
	case plan.IntentNavigate:
		preview.NormalizedURL = plan.NormalizeURL(text)
	case plan.IntentResearch, plan.IntentTransact:
		p, err := plan.NewDecomposer().Decompose(text, c)
		if err != nil {
			return err
		}
		preview.Plan = p
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(preview)
}
