package rawfile

import (
	"bufio"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/grailbio/base/vcontext"
	"github.com/pkg/errors"
	"v.io/x/lib/vlog"

	"github.com/sphenix-offline/seballign/rawevent"
)

// S3Object identifies one raw file staged in object storage.
type S3Object struct {
	Bucket string
	Key    string
}

// S3Source reads frame-encoded raw events sequentially from a fixed list of
// S3 objects, in order, streaming each object's body directly rather than
// buffering it to disk first. It implements rawevent.Source, mirroring
// LocalSource's sequencing but sourcing bytes from S3 instead of the local
// filesystem — the two concrete Source kinds a real deployment chooses
// between depending on where raw files are staged.
type S3Source struct {
	Objects []S3Object

	// Replay mirrors LocalSource.Replay.
	Replay *ReplayBuffer

	client *s3.S3
	idx    int
	body   io.ReadCloser
	r      *bufio.Reader
}

var _ rawevent.Source = (*S3Source)(nil)

// NewS3Source builds an S3Source over the given objects using the default
// AWS credential chain and region resolution.
func NewS3Source(objects []S3Object) (*S3Source, error) {
	sess, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating aws session")
	}
	return &S3Source{Objects: objects, client: s3.New(sess)}, nil
}

// OpenNextFile closes the current object's body, if any, and opens the next
// one in Objects. It returns false once Objects is exhausted.
func (s *S3Source) OpenNextFile() (bool, error) {
	if s.body != nil {
		if err := s.body.Close(); err != nil {
			return false, errors.Wrap(err, "closing s3 object body")
		}
		s.body = nil
		s.r = nil
	}
	if s.idx >= len(s.Objects) {
		return false, nil
	}
	obj := s.Objects[s.idx]
	s.idx++

	ctx := vcontext.Background()
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(obj.Bucket),
		Key:    aws.String(obj.Key),
	})
	if err != nil {
		return false, errors.Wrapf(err, "getting s3://%s/%s", obj.Bucket, obj.Key)
	}

	s.body = out.Body
	s.r = bufio.NewReaderSize(out.Body, 1<<20)
	vlog.VI(1).Infof("rawfile: opened s3://%s/%s", obj.Bucket, obj.Key)
	return true, nil
}

// NextEvent returns the next decoded event from the current object, or nil
// when the object is exhausted.
func (s *S3Source) NextEvent() (rawevent.Event, error) {
	if s.r == nil {
		return nil, nil
	}
	evt, err := decodeEvent(s.r)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decoding event from s3 object %d", s.idx-1)
	}
	if s.Replay != nil {
		s.Replay.Record(evt)
	}
	return evt, nil
}
