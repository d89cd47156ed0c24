package remote

import "testing"

func TestContentDirectoriesRanking(t *testing.T) {
	files := []string{
		"notes/a.md", "notes/b.md", "notes/c.md",
		"src/content/blog/post.md",
		"node_modules/pkg/readme.md",
		"README.md",
		"docs/guide.txt",
	}
	dirs := ContentDirectories(files)
	want := []string{"src/content/blog", "notes"}
	if len(dirs) != len(want) {
		t.Fatalf("expected %v, got %v", want, dirs)
	}
	for i := range want {
		if dirs[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, dirs)
		}
	}
}

func TestImageFileDetectionIsCaseInsensitive(t *testing.T) {
	if !IsImageFile("Cover.JPG") {
		t.Fatalf("expected .JPG to be an image")
	}
	if IsImageFile("cover.md") {
		t.Fatalf("expected .md not to be an image")
	}
	if !IsPostFile("post.MDX") {
		t.Fatalf("expected .MDX to be a post")
	}
}

func TestProductionURLFromFiles(t *testing.T) {
	cases := []struct {
		name  string
		files map[string]string
		want  string
	}{
		{name: "astro site", files: map[string]string{"astro.config.ts": `export default { site: "https://a.dev/" }`}, want: "https://a.dev"},
		{name: "cname", files: map[string]string{"CNAME": "blog.example.com\n"}, want: "https://blog.example.com"},
		{name: "package homepage", files: map[string]string{"package.json": `{"homepage":"https://pkg.dev"}`}, want: "https://pkg.dev"},
		{name: "relative homepage ignored", files: map[string]string{"package.json": `{"homepage":"."}`}, want: ""},
		{name: "nothing", files: map[string]string{}, want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ProductionURLFromFiles(func(path string) (string, bool) {
				content, ok := tc.files[path]
				return content, ok
			})
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestParseExtensions(t *testing.T) {
	exts := ParseExtensions(" .MD, mdx;.txt  . ")
	want := []string{".md", ".mdx", ".txt"}
	if len(exts) != len(want) {
		t.Fatalf("expected %v, got %v", want, exts)
	}
	for i := range want {
		if exts[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, exts)
		}
	}
	if !HasExtension("post.MDX", exts) || HasExtension("image.png", exts) {
		t.Fatalf("unexpected extension match for %v", exts)
	}
	if len(ParseExtensions("")) != 0 {
		t.Fatalf("expected no extensions for an empty list")
	}
}
