package main

import (
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Brownie44l1/leafdoc-api/internal/diagnosis"
	"github.com/Brownie44l1/leafdoc-api/internal/model"
	"github.com/Brownie44l1/leafdoc-api/internal/service"
)

type predictOutput struct {
	File       string                  `json:"file"`
	Prediction *model.PredictionResult `json:"prediction,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

func predictCommand(configPath *string) *cobra.Command {
	var (
		pdfPath string
		lang    string
	)
	cmd := &cobra.Command{
		Use:   "predict <image...>",
		Short: "Diagnose local images and print the results as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			engine := a.engine()
			defer engine.Close()

			uploads := make([]service.Upload, 0, len(args))
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				uploads = append(uploads, service.Upload{
					Name:        filepath.Base(path),
					ContentType: mime.TypeByExtension(filepath.Ext(path)),
					Data:        data,
				})
			}

			exporter := a.exporter()
			// No identity in the context, so nothing is persisted.
			svc := service.New(engine, nil, service.WithLogger(a.log), service.WithExporter(exporter))
			outcomes, err := svc.Diagnose(cmd.Context(), uploads, diagnosis.PlatformUnknown)
			if err != nil {
				return err
			}

			out := make([]predictOutput, len(outcomes))
			for i, o := range outcomes {
				out[i] = predictOutput{File: o.Name, Prediction: o.Result}
				if o.Err != nil {
					out[i].Error = o.Err.Error()
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}

			if pdfPath == "" {
				return nil
			}
			f, err := os.Create(pdfPath)
			if err != nil {
				return err
			}
			defer f.Close()
			stats, err := svc.ExportOutcomes(cmd.Context(), "", outcomes, exporter.Labels(lang), f)
			if err != nil {
				return err
			}
			a.log.Info("report written", zap.String("path", pdfPath), zap.Int("pages", stats.Pages))
			return nil
		},
	}
	cmd.Flags().StringVar(&pdfPath, "pdf", "", "Also write a PDF report of the batch to this path")
	cmd.Flags().StringVar(&lang, "lang", "en", "Report language (en or vi)")
	return cmd
}
