package engine

import (
	"context"
	"strings"

	"github.com/jkaninda/runbox/internal/detect"
	"github.com/jkaninda/runbox/internal/domain"
)

// Runtime image profiles. Each profile resolves to one pre-built image.
const (
	ProfilePythonBasic     = "python-basic"
	ProfilePythonWeb       = "python-web"
	ProfileJavaBasic       = "java-basic"
	ProfileJavaScriptBasic = "javascript-basic"
)

// Profiles lists every known runtime image profile.
var Profiles = []string{ProfilePythonBasic, ProfilePythonWeb, ProfileJavaBasic, ProfileJavaScriptBasic}

// ImageChecker reports whether an image is present locally.
// *sandbox.Daemon satisfies it.
type ImageChecker interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
}

// SelectProfile picks the image profile for a job. A known override always
// wins and an unknown one falls back to python-basic. Otherwise the
// language decides, and Python code with web markers gets the web profile.
func SelectProfile(lang domain.Language, source, test, override string) string {
	if override != "" {
		o := strings.ToLower(strings.TrimSpace(override))
		for _, p := range Profiles {
			if o == p {
				return p
			}
		}
		return ProfilePythonBasic
	}
	switch {
	case lang == domain.LanguageJava:
		return ProfileJavaBasic
	case lang.IsScript():
		return ProfileJavaScriptBasic
	case detect.UsesWebStack(source, test):
		return ProfilePythonWeb
	}
	return ProfilePythonBasic
}

// ImageRef resolves a profile to an image reference.
func (c Config) ImageRef(profile string) string {
	if ref, ok := c.Images[profile]; ok && ref != "" {
		return ref
	}
	return c.registry() + "/" + profile + ":" + c.tag()
}
