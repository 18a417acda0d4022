package adb

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const devicesOutput = `List of devices attached
emulator-5554          device product:sdk_gphone64 model:sdk_gphone64_arm64 device:emu64a transport_id:1
R58M123ABC             unauthorized usb:1-1 transport_id:2

`

const procNetUnix = `Num       RefCount Protocol Flags    Type St Inode Path
0000000000000000: 00000002 00000000 00010000 0001 01 23456 @webview_devtools_remote_4321
0000000000000000: 00000003 00000000 00000000 0001 03 23457 @webview_devtools_remote_4321
0000000000000000: 00000002 00000000 00010000 0001 01 23458 @chrome_devtools_remote
0000000000000000: 00000002 00000000 00010000 0001 01 23459 @chrome_devtools_remote_987
0000000000000000: 00000002 00000000 00010000 0001 01 23460 /dev/socket/zygote
`

type fakeExit struct{ code int }

func (e *fakeExit) Error() string { return "exit status" }
func (e *fakeExit) ExitCode() int { return e.code }

// fakeRunner answers by joined argument list
type fakeRunner struct {
	responses map[string]string
	stderr    map[string]string
	calls     []string
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	key := strings.Join(args, " ")
	f.calls = append(f.calls, name+" "+key)

	if msg, ok := f.stderr[key]; ok {
		return nil, []byte(msg + "\n"), &fakeExit{code: 1}
	}
	return []byte(f.responses[key]), nil, nil
}

func newFakeClient(f *fakeRunner) *Client {
	c := NewClient("/opt/platform-tools/adb", nil)
	c.run = f.run
	return c
}

func TestParseDevices(t *testing.T) {
	devices := parseDevices(devicesOutput)

	require.Len(t, devices, 2)
	assert.Equal(t, Device{ID: "emulator-5554", Name: "sdk_gphone64_arm64", Status: "device"}, devices[0])
	// No model field falls back to the id
	assert.Equal(t, Device{ID: "R58M123ABC", Name: "R58M123ABC", Status: "unauthorized"}, devices[1])
}

func TestParseDevicesEmpty(t *testing.T) {
	assert.Empty(t, parseDevices("List of devices attached\n\n"))
	assert.Empty(t, parseDevices(""))
}

func TestParseWebViews(t *testing.T) {
	webviews := parseWebViews(procNetUnix)

	require.Len(t, webviews, 2)
	assert.Equal(t, "webview_devtools_remote_4321", webviews[0].SocketName)
	assert.Equal(t, 4321, webviews[0].PID)
	assert.Equal(t, "chrome_devtools_remote_987", webviews[1].SocketName)
	assert.Equal(t, 987, webviews[1].PID)
}

func TestListWebViewsPackageNames(t *testing.T) {
	f := &fakeRunner{
		responses: map[string]string{
			"-s emulator-5554 shell cat /proc/net/unix":     procNetUnix,
			"-s emulator-5554 shell cat /proc/4321/cmdline": "com.example.shop\x00--flag\x00",
		},
		stderr: map[string]string{
			"-s emulator-5554 shell cat /proc/987/cmdline": "cat: /proc/987/cmdline: No such file",
		},
	}

	webviews, err := newFakeClient(f).ListWebViews(context.Background(), "emulator-5554")
	require.NoError(t, err)
	require.Len(t, webviews, 2)

	require.NotNil(t, webviews[0].PackageName)
	assert.Equal(t, "com.example.shop", *webviews[0].PackageName)
	assert.Nil(t, webviews[1].PackageName)
}

func TestListDevices(t *testing.T) {
	f := &fakeRunner{responses: map[string]string{"devices -l": devicesOutput}}

	devices, err := newFakeClient(f).ListDevices(context.Background())
	require.NoError(t, err)
	assert.Len(t, devices, 2)
	assert.Equal(t, []string{"/opt/platform-tools/adb devices -l"}, f.calls)
}

func TestForwarding(t *testing.T) {
	f := &fakeRunner{}
	c := newFakeClient(f)
	ctx := context.Background()

	require.NoError(t, c.ForwardPort(ctx, "emulator-5554", 9222, "webview_devtools_remote_4321"))
	require.NoError(t, c.RemoveForward(ctx, "emulator-5554", 9222))
	require.NoError(t, c.RemoveAllForwards(ctx, "emulator-5554"))

	assert.Equal(t, []string{
		"/opt/platform-tools/adb -s emulator-5554 forward tcp:9222 localabstract:webview_devtools_remote_4321",
		"/opt/platform-tools/adb -s emulator-5554 forward --remove tcp:9222",
		"/opt/platform-tools/adb -s emulator-5554 forward --remove-all",
	}, f.calls)
}

func TestCommandFailed(t *testing.T) {
	f := &fakeRunner{stderr: map[string]string{
		"-s missing forward --remove tcp:9222": "adb: error: listener 'tcp:9222' not found",
	}}

	err := newFakeClient(f).RemoveForward(context.Background(), "missing", 9222)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCommandFailed))
	assert.Contains(t, err.Error(), "listener 'tcp:9222' not found")
}

func TestExecutionFailed(t *testing.T) {
	c := NewClient("/nonexistent/path/to/adb", nil)

	_, err := c.ListDevices(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExecutionFailed))
}

func TestNewClientDefaultPath(t *testing.T) {
	assert.Equal(t, "adb", NewClient("", nil).path)
}
