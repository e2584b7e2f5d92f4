// Package action defines the action type tags understood by agents, the
// decoded payload variants, and the action status state machine shared by
// the server and the agent.
package action

import (
	"fmt"
	"strings"
)

// Type is the wire tag carried by every action.
type Type string

const (
	TypeTest             Type = "test"
	TypePowerShellInline Type = "powershell_inline"
	TypePowerShellScript Type = "powershell_script"
	TypeBashInline       Type = "bash_inline"
	TypeUninstall        Type = "uninstall"
)

// KnownTypes lists every type an agent can execute.
var KnownTypes = []Type{
	TypeTest,
	TypePowerShellInline,
	TypePowerShellScript,
	TypeBashInline,
	TypeUninstall,
}

// Known reports whether t is one of KnownTypes.
func (t Type) Known() bool {
	for _, k := range KnownTypes {
		if t == k {
			return true
		}
	}
	return false
}

// Language identifies the interpreter a script payload is written for.
type Language string

const (
	LanguagePowerShell Language = "powershell"
	LanguageBash       Language = "bash"
)

// LanguageFor returns the script language required by a script-executing type.
func LanguageFor(t Type) (Language, bool) {
	switch t {
	case TypePowerShellInline, TypePowerShellScript:
		return LanguagePowerShell, true
	case TypeBashInline:
		return LanguageBash, true
	default:
		return "", false
	}
}

// Spec is a decoded action payload. The concrete type is one of Test,
// Script, Uninstall or Unsupported.
type Spec interface {
	Kind() Type
	isSpec()
}

// Test is a connectivity check; it runs nothing and always succeeds.
type Test struct {
	Message string
}

// Script runs Source with the interpreter for Language.
type Script struct {
	Type     Type
	Language Language
	Source   string
}

// Uninstall tells the agent to retire itself. Source is an optional cleanup
// script run with the platform's default language before the agent stops.
type Uninstall struct {
	Source string
}

// Unsupported is anything the agent must refuse without executing.
type Unsupported struct {
	Type   string
	Reason string
}

func (Test) Kind() Type          { return TypeTest }
func (s Script) Kind() Type      { return s.Type }
func (Uninstall) Kind() Type     { return TypeUninstall }
func (u Unsupported) Kind() Type { return Type(u.Type) }

func (Test) isSpec()        {}
func (Script) isSpec()      {}
func (Uninstall) isSpec()   {}
func (Unsupported) isSpec() {}

// Decode maps a wire type tag and optional payload to its variant. It never
// fails: malformed input becomes Unsupported with a reason suitable for logs.
func Decode(typ string, payload *string) Spec {
	body := ""
	if payload != nil {
		body = *payload
	}
	t := Type(strings.TrimSpace(typ))
	switch t {
	case TypeTest:
		return Test{Message: body}
	case TypeUninstall:
		return Uninstall{Source: body}
	case TypePowerShellInline, TypePowerShellScript, TypeBashInline:
		if strings.TrimSpace(body) == "" {
			return Unsupported{Type: typ, Reason: fmt.Sprintf("action type %q requires a non-empty script payload", typ)}
		}
		lang, _ := LanguageFor(t)
		return Script{Type: t, Language: lang, Source: body}
	case "":
		return Unsupported{Type: typ, Reason: "action type is empty"}
	default:
		return Unsupported{Type: typ, Reason: fmt.Sprintf("unsupported action type %q", typ)}
	}
}
