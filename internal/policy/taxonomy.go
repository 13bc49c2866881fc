package policy

import (
	"path"
	"strings"
)

// fileRule classifies a path by directory segment, base name or extension.
// Rules are evaluated per path and every matching rule contributes its
// category, so one file may land in several categories.
type fileRule struct {
	category   Category
	segments   []string
	basenames  []string
	extensions []string
	globs      []string
}

var fileRules = []fileRule{
	{
		category:   CategoryArchitecture,
		segments:   []string{"schema", "schemas", "migrations", "migration", "db", "database", "prisma"},
		extensions: []string{".sql", ".prisma"},
		globs:      []string{"schema.*", "*.schema.json"},
	},
	{
		category:   CategoryUI,
		segments:   []string{"components", "styles", "design", "ui", "theme"},
		extensions: []string{".css", ".scss", ".sass", ".less", ".svg", ".tsx", ".jsx", ".vue"},
	},
	{
		category:   CategoryRelease,
		segments:   []string{"deploy", "deployment", "deployments", "k8s", "helm", "workflows", "terraform"},
		basenames:  []string{"dockerfile", "docker-compose.yml", "docker-compose.yaml", ".gitlab-ci.yml", "jenkinsfile", "procfile"},
		extensions: []string{".tf"},
	},
	{
		category:   CategoryTokenomics,
		segments:   []string{"contracts", "tokenomics", "token"},
		extensions: []string{".sol", ".vy"},
	},
	{
		category:   CategoryLocalization,
		segments:   []string{"locales", "locale", "i18n", "l10n", "translations", "lang"},
		extensions: []string{".po", ".pot", ".xliff", ".arb"},
	},
	{
		category:   CategoryResearch,
		segments:   []string{"research", "papers", "notebooks"},
		extensions: []string{".ipynb", ".tex", ".bib"},
	},
	{
		category:   CategoryAnalytics,
		segments:   []string{"analytics", "metrics", "models"},
		extensions: []string{".r", ".parquet"},
	},
	{
		category:   CategoryConfig,
		segments:   []string{"config", "configs", ".config"},
		basenames:  []string{".env", "makefile"},
		extensions: []string{".yml", ".yaml", ".toml", ".ini", ".json", ".env"},
	},
	{
		category:   CategoryContent,
		segments:   []string{"content", "docs", "blog"},
		extensions: []string{".md", ".mdx", ".rst", ".txt", ".html"},
	},
	{
		category:   CategoryCode,
		extensions: []string{".go", ".ts", ".js", ".py", ".rs", ".java", ".kt", ".rb", ".c", ".cc", ".cpp", ".h", ".swift", ".sh"},
	},
}

// ClassifyFile returns every category whose rule matches p, in table order.
// Generic categories (config, content, code) are dropped when a more specific
// category already matched the same file: a workflow YAML is a release
// change, not a config change.
func ClassifyFile(p string) []Category {
	clean := path.Clean(strings.ReplaceAll(strings.TrimSpace(p), "\\", "/"))
	if clean == "." || clean == "" {
		return nil
	}
	lower := strings.ToLower(clean)
	base := path.Base(lower)
	ext := path.Ext(base)
	dirs := strings.Split(path.Dir(lower), "/")

	var specific, generic []Category
	for _, rule := range fileRules {
		if !rule.matches(dirs, base, ext) {
			continue
		}
		if rule.category.generic() {
			generic = append(generic, rule.category)
		} else {
			specific = append(specific, rule.category)
		}
	}
	if len(specific) > 0 {
		return specific
	}
	return generic
}

func (c Category) generic() bool {
	return c == CategoryConfig || c == CategoryContent || c == CategoryCode
}

func (r fileRule) matches(dirs []string, base, ext string) bool {
	for _, seg := range r.segments {
		for _, d := range dirs {
			if d == seg {
				return true
			}
		}
	}
	for _, b := range r.basenames {
		if base == b {
			return true
		}
	}
	for _, e := range r.extensions {
		if ext == e {
			return true
		}
	}
	for _, g := range r.globs {
		if ok, _ := path.Match(g, base); ok {
			return true
		}
	}
	return false
}
