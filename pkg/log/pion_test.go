package log

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPionFactory_ScopesAndLevels(t *testing.T) {
	var buf bytes.Buffer

	prevOut, prevLevel := logrus.StandardLogger().Out, logrus.GetLevel()
	t.Cleanup(func() {
		logrus.SetOutput(prevOut)
		logrus.SetLevel(prevLevel)
	})

	logrus.SetOutput(&buf)
	require.NoError(t, SetLevel("info"))

	l := PionFactory{}.NewLogger("ice")
	l.Infof("gathering %d", 3)
	l.Warn("noisy")
	l.Errorf("broken %s", "pipe")

	out := buf.String()
	assert.Contains(t, out, "scope=ice")
	assert.Contains(t, out, "gathering 3")
	assert.Contains(t, out, "broken pipe")
	assert.NotContains(t, out, "noisy")
}

func TestSetLevel_RejectsUnknown(t *testing.T) {
	assert.Error(t, SetLevel("loud"))
}
