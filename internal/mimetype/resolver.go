// Package mimetype сопоставляет расширения файлов и MIME-типы.
//
// Таблица платформы (пакет mime) не знает многих форматов учебных
// материалов или отдает их с параметрами, поэтому сначала проверяется
// собственная таблица исправлений, и только потом таблица платформы.
package mimetype

import (
	"mime"
	"path/filepath"
	"strings"
)

type override struct {
	ext      string
	mimetype string
}

// Порядок важен: для обратного поиска выигрывает первое расширение типа.
var overrides = []override{
	{".md", "text/markdown"},
	{".markdown", "text/markdown"},
	{".txt", "text/plain"},
	{".pdf", "application/pdf"},
	{".pptx", "application/vnd.openxmlformats-officedocument.presentationml.presentation"},
	{".docx", "application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
	{".xlsx", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
	{".epub", "application/epub+zip"},
	{".ipynb", "application/x-ipynb+json"},
	{".tex", "application/x-tex"},
	{".latex", "application/x-latex"},
	{".csv", "text/csv"},
	{".tsv", "text/tab-separated-values"},
	{".html", "text/html"},
	{".htm", "text/html"},
	{".json", "application/json"},
	{".man", "application/x-troff-man"},
	{".odt", "application/vnd.oasis.opendocument.text"},
	{".odp", "application/vnd.oasis.opendocument.presentation"},
	{".opml", "text/x-opml"},
	{".org", "text/x-org"},
	{".ris", "application/x-research-info-systems"},
	{".rtf", "application/rtf"},
	{".rst", "text/x-rst"},
}

// Синонимы, которые встречаются в чужих метаданных
var aliases = map[string]string{
	"text/x-markdown":   "text/markdown",
	"application/x-pdf": "application/pdf",
	"text/rtf":          "application/rtf",
	"text/x-tex":        "application/x-tex",
}

var (
	byExt  = make(map[string]string, len(overrides))
	byType = make(map[string]string, len(overrides))
)

func init() {
	for _, o := range overrides {
		byExt[o.ext] = o.mimetype
		if _, ok := byType[o.mimetype]; !ok {
			byType[o.mimetype] = o.ext
		}
	}
}

// Resolve возвращает MIME-тип для расширения (".md" или "md").
// Второй результат false, если тип определить не удалось.
func Resolve(ext string) (string, bool) {
	ext = normalizeExt(ext)
	if ext == "" {
		return "", false
	}
	if t, ok := byExt[ext]; ok {
		return t, true
	}
	t := mime.TypeByExtension(ext)
	if t == "" {
		return "", false
	}
	t = normalizeType(t)
	if t == "" {
		return "", false
	}
	return t, true
}

// ResolvePath определяет MIME-тип по расширению пути
func ResolvePath(path string) (string, bool) {
	return Resolve(filepath.Ext(path))
}

// ExtensionFor возвращает расширение (с точкой) для MIME-типа
func ExtensionFor(mimetype string) (string, bool) {
	t := normalizeType(mimetype)
	if t == "" {
		return "", false
	}
	if ext, ok := byType[t]; ok {
		return ext, true
	}
	exts, err := mime.ExtensionsByType(t)
	if err != nil || len(exts) == 0 {
		return "", false
	}
	return exts[0], true
}

// Equivalent сообщает, описывают ли два MIME-типа один и тот же формат
func Equivalent(a, b string) bool {
	na, nb := normalizeType(a), normalizeType(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	if ext, ok := ExtensionFor(na); ok {
		if t, ok := Resolve(ext); ok && t == nb {
			return true
		}
	}
	if ext, ok := ExtensionFor(nb); ok {
		if t, ok := Resolve(ext); ok && t == na {
			return true
		}
	}
	return false
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" || ext == "." {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// normalizeType отбрасывает параметры ("; charset=utf-8") и раскрывает синонимы
func normalizeType(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return ""
	}
	t, _, err := mime.ParseMediaType(t)
	if err != nil {
		return ""
	}
	if canon, ok := aliases[t]; ok {
		return canon
	}
	return t
}
