// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package seed

import (
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"golang.org/x/net/http2"
)

// Options for the s3 connection. Empty Remote means AWS endpoint, empty keys
// mean the default credential chain.
type S3Options struct {
	Remote    string
	Region    string
	AccessKey string
	SecretKey string
}

// S3 reads images stored as s3 objects.
type S3 struct {
	client *s3.S3
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

func NewS3(o S3Options) (*S3, error) {
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

	cfg := &aws.Config{
		Region:           aws.String(o.Region),
		S3ForcePathStyle: aws.Bool(true),
		HTTPClient:       httpClient,
	}

	if o.Remote != "" {
		cfg.Endpoint = aws.String(o.Remote)
	}

	if o.AccessKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, "")
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, err
	}

	return &S3{client: s3.New(sess)}, nil
}

// Open streams the object. The body is read sequentially, the object is
// never held in memory as a whole.
func (s *S3) Open(bucket, key string) (*Source, error) {
	out, err := s.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}

	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}

	return &Source{ReadCloser: out.Body, Size: size}, nil
}
