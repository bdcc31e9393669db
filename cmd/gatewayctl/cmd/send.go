package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gatewayclient/transport/connection/transport"
	"github.com/gatewayclient/transport/gateway"
)

var (
	sendMethod       string
	sendHeaders      []string
	sendData         string
	sendJSONBody     bool
	sendJSONResponse bool
	sendRestful      bool
	sendTimeout      time.Duration
	sendOutput       string
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Open a transport, send one payload and print the reply",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("restful") {
			cfg.Restful = sendRestful
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		sendConfig, err := buildSendConfig()
		if err != nil {
			return err
		}

		payload, err := buildPayload()
		if err != nil {
			return err
		}

		client, err := gateway.New(cfg, log, nil)
		if err != nil {
			return fmt.Errorf("failed to create transport: %w", err)
		}
		defer client.Dispose()

		ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
		defer cancel()

		if err := client.OpenAndWait(ctx); err != nil {
			return fmt.Errorf("failed to open %s transport to %s: %w", cfg.Protocol, client.Uri(), err)
		}

		response, err := client.Call(ctx, payload, sendConfig)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		if err := printResponse(cmd.OutOrStdout(), response); err != nil {
			return err
		}

		return client.CloseAndWait(ctx)
	},
}

// buildSendConfig overlays the send flags on the configured send defaults
func buildSendConfig() (*transport.Config, error) {
	sendConfig := cfg.Send

	headers := map[string]string{}
	for name, value := range cfg.Send.Headers {
		headers[name] = value
	}

	for _, header := range sendHeaders {
		name, value, found := strings.Cut(header, "=")
		if !found || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, expected name=value", header)
		}
		headers[strings.TrimSpace(name)] = value
	}

	if sendJSONBody {
		headers["Content-Type"] = "application/json"
	}
	sendConfig.Headers = headers

	if sendMethod != "" {
		sendConfig.Method = sendMethod
	}
	if sendJSONResponse {
		sendConfig.ResponseType = transport.ResponseJSON
	}
	return &sendConfig, nil
}

func buildPayload() (interface{}, error) {
	if !sendJSONBody {
		return sendData, nil
	}

	var payload interface{}
	if err := json.Unmarshal([]byte(sendData), &payload); err != nil {
		return nil, fmt.Errorf("--data is not valid json: %w", err)
	}
	return payload, nil
}

func printResponse(out io.Writer, response interface{}) error {
	if text, ok := response.(string); ok && sendOutput == "text" {
		_, err := fmt.Fprintln(out, text)
		return err
	}

	switch sendOutput {
	case "yaml":
		return yaml.NewEncoder(out).Encode(response)
	case "json", "text":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(response)
	default:
		return fmt.Errorf("unknown output format %q", sendOutput)
	}
}

func init() {
	sendCmd.Flags().StringVarP(&sendMethod, "method", "X", "", "request method, POST by default")
	sendCmd.Flags().StringArrayVarP(&sendHeaders, "header", "H", nil, "extra header as name=value, can be repeated")
	sendCmd.Flags().StringVarP(&sendData, "data", "d", "", "payload to send")
	sendCmd.Flags().BoolVar(&sendJSONBody, "json", false, "parse --data as json and send it with a json content type")
	sendCmd.Flags().BoolVar(&sendJSONResponse, "json-response", false, "parse the reply as json")
	sendCmd.Flags().BoolVar(&sendRestful, "restful", false, "wrap socket payloads in restful frames")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "give up after this long")
	sendCmd.Flags().StringVarP(&sendOutput, "output", "o", "text", "output format: text, json or yaml")

	rootCmd.AddCommand(sendCmd)
}
