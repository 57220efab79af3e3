package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/atomgraph/internal/models"
)

const importBatch = 500

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import messages from JSON lines",
	Long: `Import conversation messages for local testing. Each line is one JSON
object with content and sent_at, and optionally id, channel_id, thread_id
and parent_id. Reads stdin when no file is given.

Example:
  echo '{"content":"deploys fail on arm64","sent_at":"2025-01-01T10:00:00Z","channel_id":"eng"}' | atomgraph import`,
	Args: cobra.MaximumNArgs(1),
	RunE: runImport,
}

func runImport(cmd *cobra.Command, args []string) error {
	var r io.Reader = os.Stdin
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open %s: %w", args[0], err)
		}
		defer f.Close()
		r = f
	}

	msgs, err := readMessages(r)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Println("No messages to import.")
		return nil
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	var imported int
	for start := 0; start < len(msgs); start += importBatch {
		end := min(start+importBatch, len(msgs))
		n, err := application.DB.CreateMessages(ctx, msgs[start:end])
		if err != nil {
			return fmt.Errorf("import messages %d-%d: %w", start+1, end, err)
		}
		imported += n
	}
	fmt.Printf("Imported %d message(s)\n", imported)
	return nil
}

// readMessages parses JSON lines, skipping blank lines.
func readMessages(r io.Reader) ([]models.MessageInput, error) {
	var msgs []models.MessageInput
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var m models.MessageInput
		if err := json.Unmarshal([]byte(text), &m); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if strings.TrimSpace(m.Content) == "" {
			return nil, fmt.Errorf("line %d: content is required", line)
		}
		if m.SentAt.IsZero() {
			return nil, fmt.Errorf("line %d: sent_at is required", line)
		}
		msgs = append(msgs, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	return msgs, nil
}
