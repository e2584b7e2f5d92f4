package action

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestDecodeScriptTypes(t *testing.T) {
	spec := Decode("powershell_inline", strPtr("Write-Output hi"))
	script, ok := spec.(Script)
	require.True(t, ok)
	require.Equal(t, LanguagePowerShell, script.Language)
	require.Equal(t, TypePowerShellInline, script.Kind())

	spec = Decode("bash_inline", strPtr("echo hi"))
	script, ok = spec.(Script)
	require.True(t, ok)
	require.Equal(t, LanguageBash, script.Language)
}

func TestDecodeEmptyPayloadIsUnsupported(t *testing.T) {
	for _, payload := range []*string{nil, strPtr(""), strPtr("  \n")} {
		spec := Decode("powershell_inline", payload)
		u, ok := spec.(Unsupported)
		require.True(t, ok)
		require.Contains(t, u.Reason, "non-empty")
	}
}

func TestDecodeUnknownType(t *testing.T) {
	u, ok := Decode("reboot_now", strPtr("x")).(Unsupported)
	require.True(t, ok)
	require.Equal(t, "reboot_now", u.Type)
	require.Contains(t, u.Reason, "unsupported action type")

	_, ok = Decode("", nil).(Unsupported)
	require.True(t, ok)
}

func TestDecodeTestAndUninstall(t *testing.T) {
	_, ok := Decode("test", nil).(Test)
	require.True(t, ok)

	u, ok := Decode("uninstall", strPtr("rm -rf /opt/app")).(Uninstall)
	require.True(t, ok)
	require.Equal(t, "rm -rf /opt/app", u.Source)
}

func TestCanTransition(t *testing.T) {
	require.True(t, CanTransition(StatusPending, StatusRunning))
	require.False(t, CanTransition(StatusPending, StatusSucceeded))
	require.True(t, CanTransition(StatusRunning, StatusFailed))
	require.False(t, CanTransition(StatusRunning, StatusPending))
	require.True(t, CanTransition(StatusSucceeded, StatusFailed))
	require.False(t, CanTransition(StatusFailed, StatusRunning))
	require.False(t, CanTransition(StatusFailed, StatusPending))
}

func TestLanguageFor(t *testing.T) {
	lang, ok := LanguageFor(TypePowerShellScript)
	require.True(t, ok)
	require.Equal(t, LanguagePowerShell, lang)

	_, ok = LanguageFor(TypeTest)
	require.False(t, ok)
	require.True(t, TypeUninstall.Known())
	require.False(t, Type("nope").Known())
}
