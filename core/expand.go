package core

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"strings"
	"text/template"
)

var expandFuncs = template.FuncMap{
	"env": os.Getenv,
	"exec": func(line string) (string, error) {
		var cmd *exec.Cmd
		if strings.Contains(line, " | ") {
			cmd = exec.Command("sh", "-c", line)
		} else {
			fields := strings.Fields(line)
			if len(fields) < 1 {
				return "", errors.New("no command provided")
			}
			cmd = exec.Command(fields[0], fields[1:]...)
		}
		out, err := cmd.Output()
		return strings.TrimSpace(string(out)), err
	},
}

func expand(value string) (string, error) {
	if !strings.Contains(value, "{{") {
		return value, nil
	}

	tmpl, err := template.New("connection").Funcs(expandFuncs).Parse(value)
	if err != nil {
		return "", err
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, nil); err != nil {
		return "", err
	}
	return out.String(), nil
}

// expandOrDefault silently suppresses errors.
func expandOrDefault(value string) string {
	ex, err := expand(value)
	if err != nil {
		return value
	}
	return ex
}
