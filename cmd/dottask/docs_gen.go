package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	cobraDoc "github.com/spf13/cobra/doc"

	"github.com/dotsetgreg/dottask/pkg/config"
	"github.com/dotsetgreg/dottask/pkg/gateway"
	"github.com/dotsetgreg/dottask/pkg/metrics"
	"github.com/dotsetgreg/dottask/pkg/providers"
)

func newDocsCommand(rootFactory func() *cobra.Command) *cobra.Command {
	docsRoot := &cobra.Command{
		Use:    "docs",
		Short:  "Internal docs maintenance commands",
		Hidden: true,
	}

	var (
		outputDir string
		checkOnly bool
	)

	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate reference docs from command/config/provider/route source",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(outputDir) == "" {
				return fmt.Errorf("--output must not be empty")
			}
			return generateDocumentation(rootFactory, outputDir, checkOnly)
		},
	}
	gen.Flags().StringVar(&outputDir, "output", "docs", "Docs directory root")
	gen.Flags().BoolVar(&checkOnly, "check", false, "Fail if generated docs are out of date")

	docsRoot.AddCommand(gen)
	return docsRoot
}

func generateDocumentation(rootFactory func() *cobra.Command, outputDir string, checkOnly bool) error {
	tmpDir, err := os.MkdirTemp("", "dottask-docs-gen-*")
	if err != nil {
		return fmt.Errorf("create temp docs dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	generatedRoots, err := writeGeneratedReferences(rootFactory, tmpDir)
	if err != nil {
		return err
	}

	if checkOnly {
		for _, rel := range generatedRoots {
			if err := comparePath(filepath.Join(tmpDir, rel), filepath.Join(outputDir, rel), rel); err != nil {
				return err
			}
		}
		return nil
	}

	for _, rel := range generatedRoots {
		src := filepath.Join(tmpDir, rel)
		dst := filepath.Join(outputDir, rel)
		if err := copyPath(src, dst); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

func writeGeneratedReferences(rootFactory func() *cobra.Command, outDir string) ([]string, error) {
	cliRoot := rootFactory()
	markCommandsForDocgen(cliRoot)

	cliDir := filepath.Join(outDir, "reference", "cli")
	if err := os.MkdirAll(cliDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cli docs dir: %w", err)
	}
	prepender := func(filename string) string {
		title := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
		title = strings.ReplaceAll(title, "_", " ")
		return fmt.Sprintf("# %s\n\n", strings.TrimSpace(title))
	}
	linkHandler := func(name string) string {
		return name
	}
	if err := cobraDoc.GenMarkdownTreeCustom(cliRoot, cliDir, prepender, linkHandler); err != nil {
		return nil, fmt.Errorf("generate cli markdown docs: %w", err)
	}

	manDir := filepath.Join(outDir, "reference", "man")
	if err := os.MkdirAll(manDir, 0o755); err != nil {
		return nil, fmt.Errorf("create man docs dir: %w", err)
	}
	header := &cobraDoc.GenManHeader{
		Title:   "DOTTASK",
		Section: "1",
		Source:  "dottask",
	}
	if err := cobraDoc.GenManTree(cliRoot, header, manDir); err != nil {
		return nil, fmt.Errorf("generate man pages: %w", err)
	}

	references := []struct {
		name  string
		build func() (string, error)
	}{
		{"config.md", buildConfigReferenceMarkdown},
		{"providers.md", buildProvidersReferenceMarkdown},
		{"api.md", buildAPIReferenceMarkdown},
	}
	generated := []string{
		filepath.Join("reference", "cli"),
		filepath.Join("reference", "man"),
	}
	for _, ref := range references {
		content, err := ref.build()
		if err != nil {
			return nil, err
		}
		rel := filepath.Join("reference", ref.name)
		if err := writeTextFile(filepath.Join(outDir, rel), content); err != nil {
			return nil, err
		}
		generated = append(generated, rel)
	}
	return generated, nil
}

func markCommandsForDocgen(cmd *cobra.Command) {
	cmd.DisableAutoGenTag = true
	for _, child := range cmd.Commands() {
		if child.Name() == "docs" {
			continue
		}
		markCommandsForDocgen(child)
	}
}

func writeTextFile(path string, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", path, err)
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func copyPath(src, dst string) error {
	files, err := readTree(src)
	if err != nil {
		return err
	}
	if data, ok := files["."]; ok && len(files) == 1 {
		return writeTextFile(dst, string(data))
	}
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	for rel, data := range files {
		if err := writeTextFile(filepath.Join(dst, rel), string(data)); err != nil {
			return err
		}
	}
	return nil
}

// comparePath reports every generated file under rel that is missing, extra
// or different in the checked-in docs.
func comparePath(src, dst, rel string) error {
	want, err := readTree(src)
	if err != nil {
		return fmt.Errorf("generated path missing: %s (%w)", rel, err)
	}
	have, err := readTree(dst)
	if err != nil {
		return fmt.Errorf("docs out of date: missing %s; run `dottask docs generate`", rel)
	}

	var stale []string
	for name, content := range want {
		if got, ok := have[name]; !ok || !bytes.Equal(got, content) {
			stale = append(stale, filepath.Join(rel, name))
		}
	}
	for name := range have {
		if _, ok := want[name]; !ok {
			stale = append(stale, filepath.Join(rel, name))
		}
	}
	if len(stale) == 0 {
		return nil
	}
	sort.Strings(stale)
	return fmt.Errorf("docs out of date: %s differs; run `dottask docs generate`", strings.Join(stale, ", "))
}

// readTree loads a file, or every file below a directory keyed by relative path.
func readTree(root string) (map[string][]byte, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		data, err := os.ReadFile(root)
		if err != nil {
			return nil, err
		}
		return map[string][]byte{".": data}, nil
	}
	files := map[string][]byte{}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return walkErr
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[rel] = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

type configFieldRow struct {
	Path    string
	Type    string
	Env     string
	Default string
}

func writeConfigTable(b *strings.Builder, rows []configFieldRow) {
	b.WriteString("| Key | Type | Env Var | Default |\n")
	b.WriteString("| --- | --- | --- | --- |\n")
	for _, row := range rows {
		b.WriteString("| `" + escapePipes(row.Path) + "` | `" + escapePipes(row.Type) + "` | `" + escapePipes(valueOr(row.Env, "-")) + "` | `" + escapePipes(valueOr(row.Default, "-")) + "` |\n")
	}
}

func buildConfigReferenceMarkdown() (string, error) {
	defaults, err := flattenConfigDefaults()
	if err != nil {
		return "", err
	}

	rows := []configFieldRow{}
	collectConfigRows(reflect.TypeOf(config.Config{}), "", defaults, &rows)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Path < rows[j].Path })

	var b strings.Builder
	b.WriteString("# Config Reference\n\n")
	b.WriteString("Generated from `pkg/config/config.go` and `config.DefaultConfig()`.\n")
	b.WriteString("JSON and YAML files use the same keys; environment variables win over the file.\n\n")
	writeConfigTable(&b, rows)
	return b.String(), nil
}

func collectConfigRows(t reflect.Type, prefix string, defaults map[string]string, rows *[]configFieldRow) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		jsonTag := strings.TrimSpace(strings.Split(f.Tag.Get("json"), ",")[0])
		if jsonTag == "" || jsonTag == "-" {
			continue
		}
		path := jsonTag
		if prefix != "" {
			path = prefix + "." + jsonTag
		}

		if f.Type.Kind() == reflect.Struct {
			collectConfigRows(f.Type, path, defaults, rows)
			continue
		}

		*rows = append(*rows, configFieldRow{
			Path:    path,
			Type:    friendlyType(f.Type),
			Env:     strings.TrimSpace(f.Tag.Get("env")),
			Default: defaults[path],
		})
	}
}

func flattenConfigDefaults() (map[string]string, error) {
	data, err := json.Marshal(config.DefaultConfig())
	if err != nil {
		return nil, err
	}
	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	out := map[string]string{}
	flattenMapValues("", root, out)
	return out, nil
}

func flattenMapValues(prefix string, v any, out map[string]string) {
	typed, ok := v.(map[string]any)
	if !ok {
		encoded, _ := json.Marshal(v)
		out[prefix] = string(encoded)
		return
	}
	keys := make([]string, 0, len(typed))
	for k := range typed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		next := k
		if prefix != "" {
			next = prefix + "." + k
		}
		flattenMapValues(next, typed[k], out)
	}
}

func friendlyType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "bool"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "int"
	case reflect.Float32, reflect.Float64:
		return "float"
	case reflect.Slice:
		return "array<" + friendlyType(t.Elem()) + ">"
	case reflect.Map:
		return "map<" + friendlyType(t.Key()) + "," + friendlyType(t.Elem()) + ">"
	case reflect.Struct:
		return "object"
	case reflect.Pointer:
		return "*" + friendlyType(t.Elem())
	default:
		return t.String()
	}
}

type providerReferenceSpec struct {
	Name      string
	ConfigKey string
	Summary   string
	AuthModel string
}

func buildProvidersReferenceMarkdown() (string, error) {
	defaults, err := flattenConfigDefaults()
	if err != nil {
		return "", err
	}

	specs := []providerReferenceSpec{
		{
			Name:      "openrouter",
			ConfigKey: "providers.openrouter",
			Summary:   "OpenRouter chat completions over HTTP.",
			AuthModel: "Requires `api_key`.",
		},
		{
			Name:      "anthropic",
			ConfigKey: "providers.anthropic",
			Summary:   "Anthropic Messages API through the official SDK.",
			AuthModel: "Requires `api_key`.",
		},
	}

	supported := providers.SupportedProviders()
	sort.Strings(supported)

	var b strings.Builder
	b.WriteString("# Provider Reference\n\n")
	b.WriteString("Generated from provider factories and config structs.\n\n")
	b.WriteString("## Supported Providers\n\n")
	for _, name := range supported {
		b.WriteString("- `" + name + "`\n")
	}
	b.WriteString("\nThe active provider is `providers.provider`. Requests use `providers.model` and retry once with\n")
	b.WriteString("`providers.fallback_model` when the first call fails.\n\n")

	all := []configFieldRow{}
	collectConfigRows(reflect.TypeOf(config.Config{}), "", defaults, &all)
	for _, ref := range specs {
		b.WriteString("## `" + ref.Name + "`\n\n")
		b.WriteString(ref.Summary + "\n\n")
		b.WriteString("- Config path: `" + ref.ConfigKey + "`\n")
		b.WriteString("- Auth: " + ref.AuthModel + "\n\n")

		var rows []configFieldRow
		for _, row := range all {
			if strings.HasPrefix(row.Path, ref.ConfigKey+".") {
				rows = append(rows, row)
			}
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].Path < rows[j].Path })
		writeConfigTable(&b, rows)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// buildAPIReferenceMarkdown lists the gateway routes by walking the router.
func buildAPIReferenceMarkdown() (string, error) {
	srv := gateway.NewServer(config.DefaultConfig().Gateway, nil, gateway.NewHub(), metrics.New())
	routes, ok := srv.Handler().(chi.Routes)
	if !ok {
		return "", fmt.Errorf("gateway handler is not a chi router")
	}

	type routeRow struct{ method, path string }
	var rows []routeRow
	err := chi.Walk(routes, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		route = strings.TrimSuffix(route, "/*")
		if route != "/" {
			route = strings.TrimSuffix(route, "/")
		}
		rows = append(rows, routeRow{method: method, path: route})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk gateway routes: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].path != rows[j].path {
			return rows[i].path < rows[j].path
		}
		return rows[i].method < rows[j].method
	})

	var b strings.Builder
	b.WriteString("# HTTP API Reference\n\n")
	b.WriteString("Generated from the gateway router. Errors are JSON objects `{\"code\": <status>, \"message\": \"...\"}`.\n\n")
	b.WriteString("| Method | Path |\n")
	b.WriteString("| --- | --- |\n")
	for _, r := range rows {
		b.WriteString("| `" + r.method + "` | `" + escapePipes(r.path) + "` |\n")
	}
	return b.String(), nil
}

func escapePipes(v string) string {
	return strings.ReplaceAll(v, "|", "\\|")
}
