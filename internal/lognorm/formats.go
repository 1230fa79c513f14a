package lognorm

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
	"path"
	"regexp"
	"strconv"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/xkilldash9x/logdiag/api/schemas"
)

// maxDecodedEnvelope bounds the decompressed size of an awslogs payload.
const maxDecodedEnvelope = 8 << 20

// detectFormat names the cloud variant of a decoded JSON object.
func detectFormat(obj map[string]any) schemas.LogFormat {
	if _, ok := obj["logEvents"]; ok {
		return schemas.FormatAWSCloudWatch
	}
	if _, ok := obj["logGroup"]; ok {
		if _, ok := obj["logStream"]; ok {
			return schemas.FormatAWSCloudWatch
		}
	}
	if aws, ok := obj["awslogs"].(map[string]any); ok {
		if _, ok := aws["data"].(string); ok {
			return schemas.FormatAWSCloudWatch
		}
	}
	if has(obj, "elb") || has(obj, "elb_status_code") || has(obj, "target_status_code") {
		return schemas.FormatAWSALB
	}
	if has(obj, "errorMessage") && (has(obj, "errorType") || has(obj, "stackTrace")) {
		return schemas.FormatAWSLambda
	}
	if has(obj, "requestId") && (has(obj, "errorMessage") || has(obj, "errorType")) {
		return schemas.FormatAWSLambda
	}
	if has(obj, "function_name") && has(obj, "aws_request_id") {
		return schemas.FormatAWSLambda
	}
	return schemas.FormatJSON
}

func has(obj map[string]any, key string) bool {
	_, ok := obj[key]
	return ok
}

// decodeAWSLogs unpacks a subscription delivery: base64 of a gzip'd JSON envelope.
func decodeAWSLogs(data string) (map[string]any, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return nil, fmt.Errorf("decode awslogs.data: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("open awslogs gzip stream: %w", err)
	}
	defer zr.Close()

	body, err := io.ReadAll(io.LimitReader(zr, maxDecodedEnvelope))
	if err != nil {
		return nil, fmt.Errorf("inflate awslogs.data: %w", err)
	}
	var envelope map[string]any
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("parse awslogs envelope: %w", err)
	}
	return envelope, nil
}

// cloudWatchEvent is one entry of a subscription envelope's logEvents.
type cloudWatchEvent struct {
	Timestamp float64
	Message   string
}

func cloudWatchEvents(envelope map[string]any) []cloudWatchEvent {
	rawEvents, _ := envelope["logEvents"].([]any)
	events := make([]cloudWatchEvent, 0, len(rawEvents))
	for _, re := range rawEvents {
		ev, ok := re.(map[string]any)
		if !ok {
			continue
		}
		ts, _ := ev["timestamp"].(float64)
		events = append(events, cloudWatchEvent{Timestamp: ts, Message: stringify(ev["message"])})
	}
	return events
}

// serviceFromLogGroup turns "/aws/lambda/checkout-api" into "checkout-api".
func serviceFromLogGroup(group string) string {
	group = strings.TrimRight(group, "/")
	if group == "" {
		return ""
	}
	return path.Base(group)
}

// albLineRe matches an ALB access log line: type, ISO time, load balancer id,
// client and target addresses, three timings, then the two status codes.
var albLineRe = regexp.MustCompile(
	`^(http|https|h2|grpcs|ws|wss) (\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?Z) (\S+) (\S+) (\S+) (\S+) (\S+) (\S+) (\d{3}|-) (\d{3}|-) \d+ \d+ "([^"]*)"`)

// albLine holds the fields of a parsed ALB access log line.
type albLine struct {
	Type, Time, ELB, Client, Target string
	ELBStatus, TargetStatus         int
	Request                         string
}

func parseALBLine(line string) (*albLine, bool) {
	m := albLineRe.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}
	status, _ := strconv.Atoi(m[9])
	target, _ := strconv.Atoi(m[10])
	return &albLine{
		Type:         m[1],
		Time:         m[2],
		ELB:          m[3],
		Client:       m[4],
		Target:       m[5],
		ELBStatus:    status,
		TargetStatus: target,
		Request:      m[11],
	}, true
}

// albLevel classifies a request by its load balancer status.
func albLevel(status int) string {
	switch {
	case status >= 500:
		return schemas.LevelError
	case status >= 400:
		return schemas.LevelWarn
	default:
		return schemas.LevelInfo
	}
}

func statusCode(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(t))
		return n
	}
	return 0
}
