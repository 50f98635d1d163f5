package logging

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zapcore"
	"go.viam.com/test"
)

func TestNewFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "framegrab.log")
	logger, closer := NewFileLogger("framegrab", path, zapcore.InfoLevel)

	logger.Infow("stream session established", "width", 352)
	logger.Debugw("not written")
	logger.SetLevel(zapcore.DebugLevel)
	logger.Sublogger("stream").Debugw("frame dropped", "seq", 2)
	test.That(t, closer.Close(), test.ShouldBeNil)

	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	contents := string(data)
	test.That(t, contents, test.ShouldContainSubstring, `"msg":"stream session established"`)
	test.That(t, contents, test.ShouldContainSubstring, `"width":352`)
	test.That(t, contents, test.ShouldContainSubstring, `"logger":"framegrab.stream"`)
	test.That(t, contents, test.ShouldNotContainSubstring, "not written")
}
