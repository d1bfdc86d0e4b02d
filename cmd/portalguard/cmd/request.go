package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/portalguard/internal/domain/offline"
	"github.com/Sentinel-Gate/portalguard/internal/domain/request"
	"github.com/Sentinel-Gate/portalguard/internal/domain/session"
)

var (
	requestData     string
	requestPriority string
	requestNoCache  bool
	requestHeaders  []string
	uploadField     string
	uploadFields    []string
)

var requestCmd = &cobra.Command{
	Use:   "request <method> <path>",
	Short: "Send an authenticated API request",
	Long: `Send a request through the gateway with the current session.

The path is resolved against api.base_url. Mutating requests that fail
with a network error are queued for replay and the queue id is printed.

Examples:
  portalguard request GET /users/me
  portalguard request POST /notes --data '{"text":"hi"}' --priority high`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildRequest(args[0], args[1], requestData, requestHeaders, requestPriority, requestNoCache)
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), "portalguard/cli", func(ctx context.Context, a *app) error {
			a.sessions.RecordActivity(ctx, session.ActivityManual)
			resp, err := a.gateway.Call(ctx, req)
			return writeCallResult(cmd.OutOrStdout(), resp, err)
		})
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload <path> <file>",
	Short: "Upload a file as multipart form data",
	Long: `Upload a file through the gateway.

Examples:
  portalguard upload /attachments ./report.pdf
  portalguard upload /avatars me.png --field image --form-field user=alice`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields, err := parsePairs(uploadFields, "=")
		if err != nil {
			return err
		}
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()

		return withApp(cmd.Context(), "portalguard/cli", func(ctx context.Context, a *app) error {
			a.sessions.RecordActivity(ctx, session.ActivityManual)
			resp, err := a.gateway.Upload(ctx, args[0], uploadField, filepath.Base(args[1]), f, fields)
			return writeCallResult(cmd.OutOrStdout(), resp, err)
		})
	},
}

func init() {
	requestCmd.Flags().StringVarP(&requestData, "data", "d", "", "request body; @file reads it from a file")
	requestCmd.Flags().StringVar(&requestPriority, "priority", "", "offline replay priority: high, medium, low")
	requestCmd.Flags().BoolVar(&requestNoCache, "no-cache", false, "bypass the response cache for GET")
	requestCmd.Flags().StringArrayVarP(&requestHeaders, "header", "H", nil, "extra header as 'Name: value' (repeatable)")
	uploadCmd.Flags().StringVar(&uploadField, "field", "file", "multipart field name for the file")
	uploadCmd.Flags().StringArrayVar(&uploadFields, "form-field", nil, "extra form field as key=value (repeatable)")
	rootCmd.AddCommand(requestCmd, uploadCmd)
}

// buildRequest turns command arguments into a gateway request.
func buildRequest(method, path, data string, headers []string, priority string, noCache bool) (*request.Request, error) {
	method = strings.ToUpper(method)
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions:
	default:
		return nil, fmt.Errorf("unsupported method %q", method)
	}

	p, err := offline.ParsePriority(priority)
	if err != nil {
		return nil, err
	}

	pairs, err := parsePairs(headers, ":")
	if err != nil {
		return nil, err
	}
	header := make(http.Header, len(pairs))
	for k, v := range pairs {
		header.Set(k, v)
	}

	var body []byte
	if strings.HasPrefix(data, "@") {
		body, err = os.ReadFile(data[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to read body: %w", err)
		}
	} else if data != "" {
		body = []byte(data)
	}
	if len(body) > 0 && header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/json")
	}

	return &request.Request{
		Method:   method,
		URL:      path,
		Header:   header,
		Body:     body,
		NoCache:  noCache,
		Priority: p,
	}, nil
}

// parsePairs splits "key<sep>value" arguments.
func parsePairs(items []string, sep string) (map[string]string, error) {
	out := make(map[string]string, len(items))
	for _, item := range items {
		k, v, ok := strings.Cut(item, sep)
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid value %q, expected key%svalue", item, sep)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

// writeCallResult prints the response body, or reports a queued request.
// Server errors print their body and fail the command.
func writeCallResult(w io.Writer, resp *request.Response, err error) error {
	var queued *request.QueuedOfflineError
	if errors.As(err, &queued) {
		fmt.Fprintf(w, "Offline: request queued as %s\n", queued.ID)
		return nil
	}
	var httpErr *request.HTTPError
	if errors.As(err, &httpErr) {
		_, _ = w.Write(httpErr.Body)
		return httpErr
	}
	if err != nil {
		return err
	}
	if _, err := w.Write(resp.Body); err != nil {
		return err
	}
	if len(resp.Body) > 0 && resp.Body[len(resp.Body)-1] != '\n' {
		fmt.Fprintln(w)
	}
	return nil
}
