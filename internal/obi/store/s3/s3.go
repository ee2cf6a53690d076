// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 implements the store contract on top of AWS S3 or any
// compatible remote. It uses aws api v1. Pools map to key prefixes within a
// single bucket.
//
// S3 offers no server side read-modify-write, so Update and WriteAt
// serialize per object name within the session and are not atomic across
// sessions. Change notification is not supported.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	s3api "github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/containerd/errdefs"
	"golang.org/x/net/http2"

	"github.com/asch/obi/internal/obi/store"
)

// Implementation of the store contract using AWS S3 as a backend. Parameters
// of http connection are carefully tuned for the best performance in the AWS
// environment.
type Store struct {
	store.Identity

	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	client     *s3api.S3
	bucket     string
	locks      store.NameLocks
}

// Options to use in New() function due to high number of parameters. There is
// lower chance of ordering mistake with named parameters.
type Options struct {
	Remote    string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// Helper struct used for tuning the http connection.
type httpClientSettings struct {
	connect          time.Duration
	connKeepAlive    time.Duration
	expectContinue   time.Duration
	idleConn         time.Duration
	maxAllIdleConns  int
	maxHostIdleConns int
	responseHeader   time.Duration
	tlsHandshake     time.Duration
}

// Returns http client with configured parameters and added https2 support.
func newHTTPClientWithSettings(httpSettings httpClientSettings) *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: httpSettings.responseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: httpSettings.connKeepAlive,
			DualStack: true,
			Timeout:   httpSettings.connect,
		}).DialContext,
		MaxIdleConns:          httpSettings.maxAllIdleConns,
		IdleConnTimeout:       httpSettings.idleConn,
		TLSHandshakeTimeout:   httpSettings.tlsHandshake,
		MaxIdleConnsPerHost:   httpSettings.maxHostIdleConns,
		ExpectContinueTimeout: httpSettings.expectContinue,
	}

	http2.ConfigureTransport(tr)

	return &http.Client{
		Transport: tr,
	}
}

func New(o Options) (*Store, error) {
	s := new(Store)
	s.Identity = store.NewIdentity()
	s.bucket = o.Bucket

	// For the best possible performance (throughput close to 10GB/s) it
	// should be tuned according to the object backend.
	// Following settings are recommended by AWS for usage in their
	// network.
	httpClient := newHTTPClientWithSettings(httpClientSettings{
		connect:          5 * time.Second,
		expectContinue:   1 * time.Second,
		idleConn:         90 * time.Second,
		connKeepAlive:    30 * time.Second,
		maxAllIdleConns:  100,
		maxHostIdleConns: 10,
		responseHeader:   5 * time.Second,
		tlsHandshake:     5 * time.Second,
	})

	sess, err := session.NewSession(&aws.Config{
		Endpoint:                      aws.String(o.Remote),
		Region:                        aws.String(o.Region),
		Credentials:                   credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    httpClient,
	})

	if err != nil {
		return nil, err
	}

	s.client = s3api.New(sess)
	s.uploader = s3manager.NewUploader(sess)
	s.downloader = s3manager.NewDownloader(sess)

	// Limiting the concurrency of s3 library. We do not benefit from
	// multipart uploads/downloads because objects are at most one image
	// object in size. Concurrency comes from the async writer pool above
	// this layer instead.
	s.uploader.Concurrency = 1
	s3manager.WithUploaderRequestOptions(request.Option(func(r *request.Request) {
		r.HTTPRequest.Header.Add("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	}))(s.uploader)
	s.downloader.Concurrency = 1

	err = s.makeBucketExist()

	return s, err
}

// Pool returns the pool with the given name. Pools are key prefixes, there
// is nothing to create.
func (s *Store) Pool(name string) store.Pool {
	return &pool{s: s, name: name}
}

// Close is a no-op, the aws session holds no resources needing shutdown.
func (s *Store) Close() error {
	return nil
}

// Check whether bucket exist and if not, create it and wait until it appears.
func (s *Store) makeBucketExist() error {
	_, err := s.client.HeadBucket(&s3api.HeadBucketInput{Bucket: aws.String(s.bucket)})

	if err != nil {
		_, err = s.client.CreateBucket(&s3api.CreateBucketInput{
			Bucket: aws.String(s.bucket)})

		if err == nil {
			err = s.client.WaitUntilBucketExists(&s3api.HeadBucketInput{
				Bucket: aws.String(s.bucket)})
		}
	}

	return err
}

type pool struct {
	s    *Store
	name string
}

func (p *pool) Name() string {
	return p.name
}

// Objects of one pool share the pool's key prefix.
func (p *pool) key(name string) string {
	return p.name + "/" + name
}

// Translate aws errors into the store taxonomy. Absent objects surface the
// NoSuchKey code on GET and a bare NotFound code on HEAD.
func (p *pool) mapErr(name string, err error) error {
	if err == nil {
		return nil
	}

	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3api.ErrCodeNoSuchKey, "NotFound":
			return fmt.Errorf("object %s/%s: %w", p.name, name, errdefs.ErrNotFound)
		}
	}

	return fmt.Errorf("object %s/%s: %v: %w", p.name, name, err, errdefs.ErrUnavailable)
}

func (p *pool) Put(ctx context.Context, name string, data []byte) error {
	_, err := p.s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(p.s.bucket),
		Key:    aws.String(p.key(name)),
		Body:   bytes.NewReader(data),
	})

	return p.mapErr(name, err)
}

func (p *pool) Get(ctx context.Context, name string) ([]byte, error) {
	out, err := p.s.client.GetObjectWithContext(ctx, &s3api.GetObjectInput{
		Bucket: aws.String(p.s.bucket),
		Key:    aws.String(p.key(name)),
	})
	if err != nil {
		return nil, p.mapErr(name, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)

	return data, p.mapErr(name, err)
}

func (p *pool) ReadAt(ctx context.Context, name string, b []byte, off int64) (int, error) {
	to := off + int64(len(b)) - 1
	rng := fmt.Sprintf("bytes=%d-%d", off, to)
	buf := aws.NewWriteAtBuffer(b)

	n, err := p.s.downloader.DownloadWithContext(ctx, buf, &s3api.GetObjectInput{
		Bucket: aws.String(p.s.bucket),
		Key:    aws.String(p.key(name)),
		Range:  &rng,
	})

	// Reading entirely past the end of an existing object is a short read,
	// not a failure.
	var aerr awserr.Error
	if errors.As(err, &aerr) && aerr.Code() == "InvalidRange" {
		return 0, nil
	}

	return int(n), p.mapErr(name, err)
}

func (p *pool) WriteAt(ctx context.Context, name string, b []byte, off int64) error {
	p.s.locks.Lock(p.key(name))
	defer p.s.locks.Unlock(p.key(name))

	cur, err := p.Get(ctx, name)
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}

	if need := off + int64(len(b)); int64(len(cur)) < need {
		grown := make([]byte, need)
		copy(grown, cur)
		cur = grown
	}
	copy(cur[off:], b)

	return p.Put(ctx, name, cur)
}

func (p *pool) Stat(ctx context.Context, name string) (int64, error) {
	head, err := p.s.client.HeadObjectWithContext(ctx, &s3api.HeadObjectInput{
		Bucket: aws.String(p.s.bucket),
		Key:    aws.String(p.key(name)),
	})

	var size int64
	if err == nil {
		size = *head.ContentLength
	}

	return size, p.mapErr(name, err)
}

func (p *pool) Remove(ctx context.Context, name string) error {
	// DeleteObject succeeds on absent keys, so probe first to honor the
	// store contract.
	if _, err := p.Stat(ctx, name); err != nil {
		return err
	}

	_, err := p.s.client.DeleteObjectWithContext(ctx, &s3api.DeleteObjectInput{
		Bucket: aws.String(p.s.bucket),
		Key:    aws.String(p.key(name)),
	})

	return p.mapErr(name, err)
}

func (p *pool) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string

	err := p.s.client.ListObjectsV2PagesWithContext(ctx, &s3api.ListObjectsV2Input{
		Bucket: aws.String(p.s.bucket),
		Prefix: aws.String(p.key(prefix)),
	}, func(page *s3api.ListObjectsV2Output, last bool) bool {
		for _, o := range page.Contents {
			names = append(names, strings.TrimPrefix(*o.Key, p.name+"/"))
		}
		return true
	})

	return names, p.mapErr(prefix, err)
}

func (p *pool) Update(ctx context.Context, name string, fn store.UpdateFunc) error {
	p.s.locks.Lock(p.key(name))
	defer p.s.locks.Unlock(p.key(name))

	cur, err := p.Get(ctx, name)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return err
		}
		cur = nil
	}

	next, err := fn(cur)
	if err != nil {
		return err
	}

	return p.Put(ctx, name, next)
}

func (p *pool) Copy(ctx context.Context, src, dst string) error {
	_, err := p.s.client.CopyObjectWithContext(ctx, &s3api.CopyObjectInput{
		Bucket:     aws.String(p.s.bucket),
		CopySource: aws.String(p.s.bucket + "/" + p.key(src)),
		Key:        aws.String(p.key(dst)),
	})

	return p.mapErr(src, err)
}

func (p *pool) Watch(ctx context.Context, name string, fn store.WatchFunc) (func(), error) {
	return nil, fmt.Errorf("watch on s3 backend: %w", errdefs.ErrNotImplemented)
}

func (p *pool) Watchers(ctx context.Context, name string) (int, error) {
	return 0, nil
}
