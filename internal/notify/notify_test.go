package notify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSES struct {
	input *sesv2.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = in
	return &sesv2.SendEmailOutput{}, f.err
}

func TestSESSend(t *testing.T) {
	log, _ := test.NewNullLogger()
	client := &fakeSES{}
	s := NewSESWithClient(client, SESOptions{To: "ops@example.com", FromAddr: "backup@example.com", FromName: "offsite"}, log)

	require.NoError(t, s.Send(context.Background(), Message{Subject: "hi", Body: "body"}))
	require.NotNil(t, client.input)
	assert.Equal(t, "offsite <backup@example.com>", aws.ToString(client.input.FromEmailAddress))
	assert.Equal(t, []string{"ops@example.com"}, client.input.Destination.ToAddresses)
	assert.Equal(t, "hi", aws.ToString(client.input.Content.Simple.Subject.Data))
	assert.Equal(t, "body", aws.ToString(client.input.Content.Simple.Body.Html.Data))

	client.err = errors.New("throttled")
	assert.Error(t, s.Send(context.Background(), Message{Subject: "hi"}))
}

func TestNewSESRequiresAddresses(t *testing.T) {
	log, _ := test.NewNullLogger()
	_, err := NewSES(context.Background(), SESOptions{Region: "us-west-2"}, log)
	assert.Error(t, err)
}

func TestBuilderSuccessMessages(t *testing.T) {
	var b Builder
	m := b.Upload("backup.tar.gz", true)
	assert.Equal(t, "Successful Offsite Backup - backup.tar.gz", m.Subject)
	assert.Equal(t, "Successful Download - dir", b.Download("dir", true).Subject)
	assert.Equal(t, "Successful Decrypt - dir", b.Decrypt("dir", true).Subject)
}

func TestBuilderFailureIncludesRecentLogs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	var lines []string
	for i := 0; i < 40; i++ {
		lines = append(lines, "line"+strings.Repeat("x", i%3))
	}
	lines[39] = "last line"
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	b := Builder{LogPath: path, LogLines: 30}
	m := b.Download("vm-100", false)

	assert.Equal(t, "Download Error - vm-100", m.Subject)
	assert.NotContains(t, m.Body, "\n")
	assert.Contains(t, m.Body, "RECENT LOGS")
	assert.Contains(t, m.Body, "last line</br>")
	assert.True(t, strings.HasPrefix(m.Body, "onedrive-offsite encountered an error for vm-100.</br></br></br>"))
	assert.Equal(t, 30, strings.Count(m.Body, "line"), "only the last 30 lines")
}

func TestBuilderFailureWithoutLogFile(t *testing.T) {
	b := Builder{LogPath: filepath.Join(t.TempDir(), "missing.log"), LogLines: 30}
	m := b.Upload("x", false)
	assert.Equal(t, "Error - x", m.Subject)
	assert.Equal(t, "onedrive-offsite encountered an error for x.</br></br></br>", m.Body)
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Send(context.Background(), Message{Subject: "x"}))
}
