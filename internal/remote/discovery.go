package remote

import (
	"encoding/json"
	"path"
	"regexp"
	"sort"
	"strings"
)

var (
	postExtensions  = []string{".md", ".mdx"}
	imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".avif"}

	// Well-known layouts rank ahead of directories found by file count alone.
	preferredContentDirs = []string{
		"src/content/blog", "src/content/posts", "content/blog", "content/posts",
		"_posts", "posts", "blog", "src/pages/blog", "docs",
	}
	preferredImageDirs = []string{
		"public/images", "src/assets/images", "static/images", "assets/images",
		"public/img", "static/img", "images", "img",
	}

	skippedDirPrefixes = []string{"node_modules/", ".git/", "dist/", "build/", ".next/", "vendor/"}

	astroSitePattern = regexp.MustCompile(`site\s*:\s*['"]([^'"]+)['"]`)
)

// IsPostFile reports whether name has a markdown extension.
func IsPostFile(name string) bool {
	return hasExtension(name, postExtensions)
}

// IsImageFile reports whether name has a raster or vector image extension.
func IsImageFile(name string) bool {
	return hasExtension(name, imageExtensions)
}

// ContentDirectories returns directories that directly contain markdown
// files, best candidates first.
func ContentDirectories(files []string) []string {
	return rankDirectories(files, IsPostFile, preferredContentDirs)
}

// ImageDirectories returns directories that directly contain image files,
// best candidates first.
func ImageDirectories(files []string) []string {
	return rankDirectories(files, IsImageFile, preferredImageDirs)
}

func rankDirectories(files []string, match func(string) bool, preferred []string) []string {
	counts := map[string]int{}
	for _, file := range files {
		file = normalizePath(file)
		if file == "" || isSkipped(file) || !match(file) {
			continue
		}
		dir := path.Dir(file)
		if dir == "." {
			continue
		}
		counts[dir]++
	}
	dirs := make([]string, 0, len(counts))
	for dir := range counts {
		dirs = append(dirs, dir)
	}
	rank := func(dir string) int {
		for i, candidate := range preferred {
			if dir == candidate {
				return i
			}
		}
		return len(preferred)
	}
	sort.Slice(dirs, func(i, j int) bool {
		ri, rj := rank(dirs[i]), rank(dirs[j])
		if ri != rj {
			return ri < rj
		}
		if counts[dirs[i]] != counts[dirs[j]] {
			return counts[dirs[i]] > counts[dirs[j]]
		}
		return dirs[i] < dirs[j]
	})
	return dirs
}

// ProductionURLFromFiles inspects well-known site configuration files for
// the deployed URL. read returns the file content and whether it exists.
func ProductionURLFromFiles(read func(path string) (string, bool)) string {
	for _, name := range []string{"astro.config.mjs", "astro.config.ts", "astro.config.js"} {
		if content, ok := read(name); ok {
			if m := astroSitePattern.FindStringSubmatch(content); len(m) == 2 {
				return strings.TrimRight(strings.TrimSpace(m[1]), "/")
			}
		}
	}
	if content, ok := read("CNAME"); ok {
		if host := strings.TrimSpace(content); host != "" {
			return "https://" + strings.TrimRight(host, "/")
		}
	}
	if content, ok := read("package.json"); ok {
		var pkg struct {
			Homepage string `json:"homepage"`
		}
		if err := json.Unmarshal([]byte(content), &pkg); err == nil && strings.HasPrefix(pkg.Homepage, "http") {
			return strings.TrimRight(pkg.Homepage, "/")
		}
	}
	return ""
}

// ParseExtensions splits a comma or space separated extension list such as
// ".md, .mdx" into lower-case extensions with a leading dot.
func ParseExtensions(list string) []string {
	var exts []string
	for _, field := range strings.FieldsFunc(list, func(r rune) bool { return r == ',' || r == ' ' || r == ';' }) {
		ext := strings.ToLower(strings.TrimSpace(field))
		if ext == "" || ext == "." {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	return exts
}

// HasExtension reports whether name ends in one of exts, as returned by
// ParseExtensions.
func HasExtension(name string, exts []string) bool {
	return hasExtension(name, exts)
}

func hasExtension(name string, exts []string) bool {
	ext := strings.ToLower(path.Ext(name))
	for _, candidate := range exts {
		if ext == candidate {
			return true
		}
	}
	return false
}

func isSkipped(file string) bool {
	for _, prefix := range skippedDirPrefixes {
		if strings.HasPrefix(file, prefix) || strings.Contains(file, "/"+prefix) {
			return true
		}
	}
	return false
}
