// Package cli provides shell completion support for reqctl
package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/reqdesk/reqdesk/internal/domain"
)

// Commands lists the reqctl commands offered for completion.
var Commands = []string{
	"whoami", "list", "get", "create", "status", "priority", "assign", "delete",
	"history", "recent", "watch", "completion",
}

// GlobalFlags lists the flags accepted before the command.
var GlobalFlags = []string{"-config", "-jsonpath", "-timeout"}

const bashTemplate = `#!/bin/bash
# Bash completion for reqctl

_reqctl_completion() {
    local cur prev
    COMPREPLY=()
    cur="${COMP_WORDS[COMP_CWORD]}"
    prev="${COMP_WORDS[COMP_CWORD-1]}"

    local commands="{{commands}}"
    local kinds="{{kinds}}"
    local global_flags="{{flags}}"

    case "${prev}" in
        list|get|create|status|priority|assign|delete|history)
            COMPREPLY=( $(compgen -W "${kinds}" -- ${cur}) )
            return 0
            ;;
        completion)
            COMPREPLY=( $(compgen -W "bash fish" -- ${cur}) )
            return 0
            ;;
        -config)
            COMPREPLY=( $(compgen -f -- ${cur}) )
            return 0
            ;;
        -status)
            COMPREPLY=( $(compgen -W "{{statuses}}" -- ${cur}) )
            return 0
            ;;
        -priority)
            COMPREPLY=( $(compgen -W "1 2 3 4" -- ${cur}) )
            return 0
            ;;
    esac

    if [[ ${cur} == -* ]]; then
        COMPREPLY=( $(compgen -W "${global_flags}" -- ${cur}) )
        return 0
    fi

    COMPREPLY=( $(compgen -W "${commands}" -- ${cur}) )
    return 0
}

complete -F _reqctl_completion reqctl
`

const fishTemplate = `# Fish completion for reqctl

complete -c reqctl -f
complete -c reqctl -n "__fish_use_subcommand" -a "{{commands}}"
complete -c reqctl -n "__fish_seen_subcommand_from list get create status priority assign delete history" -a "{{kinds}}"
complete -c reqctl -n "__fish_seen_subcommand_from completion" -a "bash fish"
complete -c reqctl -o config -r -F -d "YAML config file"
complete -c reqctl -o jsonpath -r -d "JSONPath applied to the output"
complete -c reqctl -o timeout -r -d "Command timeout"
`

// GenerateCompletion writes the completion script for shell to w.
func GenerateCompletion(w io.Writer, shell string) error {
	var tmpl string
	switch shell {
	case "bash":
		tmpl = bashTemplate
	case "fish":
		tmpl = fishTemplate
	default:
		return fmt.Errorf("unsupported shell: %s (supported: bash, fish)", shell)
	}
	_, err := io.WriteString(w, render(tmpl))
	return err
}

func render(tmpl string) string {
	var kinds []string
	statuses := map[string]bool{}
	var statusList []string
	for _, k := range domain.Kinds() {
		kinds = append(kinds, string(k), k.Resource())
		for _, s := range domain.Statuses(k) {
			// Multi-word statuses cannot be offered as single words.
			if strings.Contains(string(s), " ") || statuses[string(s)] {
				continue
			}
			statuses[string(s)] = true
			statusList = append(statusList, string(s))
		}
	}
	return strings.NewReplacer(
		"{{commands}}", strings.Join(Commands, " "),
		"{{kinds}}", strings.Join(kinds, " "),
		"{{flags}}", strings.Join(GlobalFlags, " "),
		"{{statuses}}", strings.Join(statusList, " "),
	).Replace(tmpl)
}
