// webhooksend posts a signed sample comment webhook to a running mapper,
// for local testing of the full ingest path.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/chatico/mapper/internal/config"
	"github.com/chatico/mapper/internal/signature"
)

type commentValue struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Media struct {
		ID string `json:"id"`
	} `json:"media"`
	From struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"from"`
}

type change struct {
	Field string       `json:"field"`
	Value commentValue `json:"value"`
}

type entry struct {
	ID      string   `json:"id"`
	Time    int64    `json:"time"`
	Changes []change `json:"changes"`
}

type envelope struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "mapper base URL")
	secret := flag.String("secret", "", "app secret for signing (defaults to MAPPER_APP_SECRET)")
	mediaID := flag.String("media", "media-1", "media id the comment belongs to")
	commentID := flag.String("comment", "", "comment id (defaults to a random id)")
	text := flag.String("text", "hello from webhooksend", "comment text")
	fromID := flag.String("from", "user-1", "commenter id")
	username := flag.String("username", "tester", "commenter username")
	flag.Parse()

	if err := run(*baseURL, *secret, *mediaID, *commentID, *text, *fromID, *username); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(baseURL, secret, mediaID, commentID, text, fromID, username string) error {
	_ = godotenv.Load()
	if secret == "" {
		cfg, err := config.LoadForTool()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		secret = cfg.Platform.AppSecret
	}
	if secret == "" {
		return fmt.Errorf("a signing secret is required (flag -secret or MAPPER_APP_SECRET)")
	}
	if commentID == "" {
		commentID = "comment-" + uuid.NewString()
	}

	value := commentValue{ID: commentID, Text: text}
	value.Media.ID = mediaID
	value.From.ID = fromID
	value.From.Username = username

	body, err := json.Marshal(envelope{
		Object: "instagram",
		Entry: []entry{{
			ID:      mediaID,
			Time:    time.Now().Unix(),
			Changes: []change{{Field: "comments", Value: value}},
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(baseURL, "/")+"/webhook", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(signature.HeaderSHA256, signature.Sign(body, secret))

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer response.Body.Close()

	responseBody, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
	fmt.Printf("%s %s\n", response.Status, strings.TrimSpace(string(responseBody)))
	if response.StatusCode >= 300 {
		return fmt.Errorf("mapper rejected the webhook")
	}
	return nil
}
