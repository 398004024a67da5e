package supervisor

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultDutiesFile is read from the state directory when no duties
// file is configured.
const DefaultDutiesFile = "AGENT_DUTIES.md"

// DutiesMeta is the YAML front matter of the duties file.
type DutiesMeta struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Focus       []string `yaml:"focus"`
}

// Duties is the parsed duties document: optional front matter plus the
// markdown body used as the duty-cycle prompt.
type Duties struct {
	Meta   DutiesMeta
	Prompt string
}

const frontMatterDelim = "---"

// LoadDuties reads and parses the duties file. A missing file yields a
// nil Duties and no error; the duty cycle is skipped in that case.
func LoadDuties(path string) (*Duties, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading duties file: %w", err)
	}
	return ParseDuties(string(data))
}

// ParseDuties splits optional --- delimited YAML front matter from the
// markdown body.
func ParseDuties(content string) (*Duties, error) {
	d := &Duties{}
	body := content

	trimmed := strings.TrimLeft(content, "\n")
	if strings.HasPrefix(trimmed, frontMatterDelim+"\n") {
		rest := trimmed[len(frontMatterDelim)+1:]
		idx := strings.Index(rest, "\n"+frontMatterDelim)
		if idx < 0 {
			return nil, fmt.Errorf("duties front matter: missing closing %s", frontMatterDelim)
		}
		if err := yaml.Unmarshal([]byte(rest[:idx]), &d.Meta); err != nil {
			return nil, fmt.Errorf("duties front matter: %w", err)
		}
		body = rest[idx+len(frontMatterDelim)+1:]
		if nl := strings.Index(body, "\n"); nl >= 0 {
			body = body[nl+1:]
		} else {
			body = ""
		}
	}

	d.Prompt = strings.TrimSpace(body)
	if d.Prompt == "" {
		return nil, fmt.Errorf("duties file has no prompt body")
	}
	return d, nil
}
