package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// column maps a table header to a dotted path into a JSON object.
type column struct {
	Header string
	Path   string
	Width  int
}

func structuredOutput() bool {
	return outputFmt == "json" || outputFmt == "yaml"
}

func printOutput(v any) error {
	switch outputFmt {
	case "json":
		return printJSON(v)
	case "yaml":
		return printYAML(v)
	default:
		return fmt.Errorf("unsupported output format for structured data: %s (use json or yaml)", outputFmt)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(v any) error {
	// Convert through JSON to get consistent keys (json tags).
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	enc := yaml.NewEncoder(stdout)
	enc.SetIndent(2)
	return enc.Encode(m)
}

func printTable(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)

	upperHeaders := make([]string, len(headers))
	for i, h := range headers {
		upperHeaders[i] = strings.ToUpper(h)
	}
	fmt.Fprintln(w, strings.Join(upperHeaders, "\t"))

	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}

	w.Flush()
}

// printList renders the array under key in data, either as-is for json/yaml
// or as a table of the given columns.
func printList(data map[string]any, key string, cols []column) error {
	if structuredOutput() {
		return printOutput(data)
	}

	items := toMapSlice(data[key])
	headers := make([]string, len(cols))
	for i, c := range cols {
		headers[i] = c.Header
	}
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		row := make([]string, len(cols))
		for i, c := range cols {
			row[i] = extractValue(item, c.Path)
			if c.Width > 0 {
				row[i] = truncate(row[i], c.Width)
			}
		}
		rows = append(rows, row)
	}
	printTable(headers, rows)

	if data["totalSize"] != nil {
		fmt.Fprintf(stdout, "Total: %s\n", extractValue(data, "totalSize"))
	} else {
		fmt.Fprintf(stdout, "Total: %d\n", len(items))
	}
	if token := extractValue(data, "nextPageToken"); token != "" {
		fmt.Fprintf(stdout, "Next page token: %s\n", token)
	}
	return nil
}

// printObject renders a single JSON object. In table mode scalar fields are
// listed as FIELD/VALUE rows in key order; nested objects are skipped.
func printObject(data map[string]any) error {
	if structuredOutput() {
		return printOutput(data)
	}
	keys := make([]string, 0, len(data))
	for k, v := range data {
		if _, nested := v.(map[string]any); nested {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k, extractValue(data, k)})
	}
	printTable([]string{"Field", "Value"}, rows)
	return nil
}

// extractValue reads a dotted path from a decoded JSON object and formats it
// for a table cell.
func extractValue(data map[string]any, path string) string {
	current := any(data)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current = m[part]
	}

	switch v := current.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%.2f", v)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case []any:
		strs := make([]string, 0, len(v))
		for _, item := range v {
			strs = append(strs, fmt.Sprintf("%v", item))
		}
		return strings.Join(strs, ", ")
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toMapSlice(v any) []map[string]any {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	result := make([]map[string]any, 0, len(arr))
	for _, item := range arr {
		if m, ok := item.(map[string]any); ok {
			result = append(result, m)
		}
	}
	return result
}

// truncate shortens a string to max length, appending "..." if truncated.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
