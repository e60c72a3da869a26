package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "recordings/s1/r1.mp4", RecordingKey("s1", "r1"))
	assert.Equal(t, "recordings/s1/r1.mp4", RecordingKey("s1", "../../r1"))
	at := time.Unix(1700000000, 0)
	assert.Equal(t, "transcripts/s1/1700000000.json", TranscriptKey("s1", at))
}

func TestBucketsAndExpiry(t *testing.T) {
	s := &S3{cfg: S3Config{RecordingsBucket: "rec"}}
	assert.Equal(t, "rec", s.TranscriptsBucket())
	assert.Equal(t, 15*time.Minute, s.PresignExpire())

	s = &S3{cfg: S3Config{RecordingsBucket: "rec", TranscriptsBucket: "tx", PresignExpireMinutes: 5}}
	assert.Equal(t, "tx", s.TranscriptsBucket())
	assert.Equal(t, 5*time.Minute, s.PresignExpire())
}

func TestObjectURL(t *testing.T) {
	s := &S3{cfg: S3Config{Region: "eu-west-1", RecordingsBucket: "rec"}}
	assert.Equal(t, "https://rec.s3.eu-west-1.amazonaws.com/recordings/s1/r1.mp4", s.ObjectURL("rec", RecordingKey("s1", "r1")))
}
