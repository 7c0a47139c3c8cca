package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/Brownie44l1/leafdoc-api/internal/diagnosis"
	"github.com/Brownie44l1/leafdoc-api/internal/store"
)

// importLine is one exported document: {"id", "ownerId", "collection", "body"}.
// ownerId falls back to body.userId; collection defaults to diagnosis.
type importLine struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"ownerId"`
	Collection string          `json:"collection"`
	Body       json.RawMessage `json:"body"`
}

func importCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.jsonl>",
		Short: "Import exported diagnosis documents as they are",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			docs, skipped, err := readDocuments(f)
			if err != nil {
				return err
			}

			st, err := store.Open(a.cfg.Store.Path, a.log)
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.Import(cmd.Context(), docs)
			if err != nil {
				return err
			}
			a.log.Info("import finished",
				zap.Int("read", len(docs)),
				zap.Int("inserted", n),
				zap.Int("skipped_lines", skipped))
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d of %d documents\n", n, len(docs))
			return nil
		},
	}
}

// readDocuments parses JSON lines. Lines without an owner or a body are
// skipped and counted.
func readDocuments(r io.Reader) ([]store.Document, int, error) {
	var (
		docs    []store.Document
		skipped int
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	for line := 1; sc.Scan(); line++ {
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var in importLine
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, 0, fmt.Errorf("line %d: %w", line, err)
		}
		if in.OwnerID == "" {
			var body struct {
				UserID string `json:"userId"`
			}
			_ = json.Unmarshal(in.Body, &body)
			in.OwnerID = body.UserID
		}
		if in.OwnerID == "" || len(in.Body) == 0 {
			skipped++
			continue
		}
		if in.Collection == "" {
			in.Collection = diagnosis.CollectionDiagnosis
		}
		docs = append(docs, store.Document{
			ID:         in.ID,
			OwnerID:    in.OwnerID,
			Collection: in.Collection,
			Body:       datatypes.JSON(in.Body),
		})
	}
	if err := sc.Err(); err != nil {
		return nil, 0, err
	}
	return docs, skipped, nil
}
