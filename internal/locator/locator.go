// Package locator parses transfer destinations given on the command line.
package locator

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	awsarn "github.com/aws/aws-sdk-go-v2/aws/arn"

	"github.com/islishude/sett/internal/transfer"
)

type Kind string

const (
	KindSFTP        Kind = "sftp"
	KindS3          Kind = "s3"
	KindLiquidFiles Kind = "liquidfiles"
)

type Ref struct {
	Kind   Kind
	Raw    string
	Host   string
	Port   int
	User   string
	Path   string
	Bucket string
	Key    string
	Region string
	// Options holds query parameters such as jump_host or endpoint.
	Options map[string]string
}

// ParseDestination accepts sftp://[user@]host[:port]/dir,
// s3://bucket/prefix, S3 bucket, object and access point ARNs, and
// liquidfiles://host or https://host?protocol=liquidfiles.
func ParseDestination(v string) (Ref, error) {
	switch {
	case strings.HasPrefix(v, "sftp://"):
		return parseSFTP(v)
	case strings.HasPrefix(v, "s3://"):
		return parseS3URI(v)
	case strings.HasPrefix(v, "arn:"):
		return parseS3ARN(v)
	case strings.HasPrefix(v, "liquidfiles://"), strings.HasPrefix(v, "https://"), strings.HasPrefix(v, "http://"):
		return parseLiquidFiles(v)
	default:
		return Ref{}, fmt.Errorf("unsupported destination %q: expected sftp://, s3://, an S3 ARN or a LiquidFiles URL", v)
	}
}

func parseSFTP(v string) (Ref, error) {
	u, err := url.Parse(v)
	if err != nil {
		return Ref{}, fmt.Errorf("invalid sftp url %q: %w", v, err)
	}
	if u.Hostname() == "" {
		return Ref{}, fmt.Errorf("sftp url must include a host")
	}
	ref := Ref{Kind: KindSFTP, Raw: v, Host: u.Hostname(), Path: u.Path, Options: parseQueryOptions(u.Query())}
	if u.User != nil {
		ref.User = u.User.Username()
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Ref{}, fmt.Errorf("invalid sftp port %q", p)
		}
		ref.Port = port
	}
	if ref.Path == "" {
		return Ref{}, fmt.Errorf("sftp url must include a destination directory")
	}
	return ref, nil
}

func parseS3URI(v string) (Ref, error) {
	u, err := url.Parse(v)
	if err != nil {
		return Ref{}, fmt.Errorf("invalid s3 uri %q: %w", v, err)
	}
	if u.Scheme != "s3" {
		return Ref{}, fmt.Errorf("unsupported uri scheme %q", u.Scheme)
	}
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" {
		return Ref{}, fmt.Errorf("s3 uri must include bucket")
	}
	opts := parseQueryOptions(u.Query())
	return Ref{Kind: KindS3, Raw: v, Bucket: bucket, Key: key, Region: opts["region"], Options: opts}, nil
}

func parseS3ARN(v string) (Ref, error) {
	a, err := awsarn.Parse(v)
	if err != nil {
		return Ref{}, fmt.Errorf("invalid arn: %w", err)
	}
	if a.Service != "s3" {
		return Ref{}, fmt.Errorf("unsupported arn service %q", a.Service)
	}

	if strings.HasPrefix(a.Resource, "accesspoint/") {
		ap, key, _ := strings.Cut(a.Resource, "/object/")
		bucketARN := fmt.Sprintf("arn:%s:%s:%s:%s:%s", a.Partition, a.Service, a.Region, a.AccountID, ap)
		return Ref{Kind: KindS3, Raw: v, Bucket: bucketARN, Key: key, Region: a.Region}, nil
	}

	resource := a.Resource
	if after, ok := strings.CutPrefix(resource, ":::"); ok {
		resource = after
	}
	if after, ok := strings.CutPrefix(resource, "bucket/"); ok {
		resource = after
	}
	bucket, key, _ := strings.Cut(resource, "/")
	if bucket == "" {
		return Ref{}, fmt.Errorf("unsupported s3 arn, expected a bucket or object arn")
	}
	return Ref{Kind: KindS3, Raw: v, Bucket: bucket, Key: key, Region: a.Region}, nil
}

func parseLiquidFiles(v string) (Ref, error) {
	u, err := url.Parse(v)
	if err != nil {
		return Ref{}, fmt.Errorf("invalid liquidfiles url %q: %w", v, err)
	}
	opts := parseQueryOptions(u.Query())
	if u.Scheme != "liquidfiles" && opts["protocol"] != string(KindLiquidFiles) {
		return Ref{}, fmt.Errorf("unsupported destination %q: add ?protocol=liquidfiles for a LiquidFiles server", v)
	}
	if u.Host == "" {
		return Ref{}, fmt.Errorf("liquidfiles url must include a host")
	}
	scheme := u.Scheme
	if scheme == "liquidfiles" {
		scheme = "https"
	}
	base := url.URL{Scheme: scheme, Host: u.Host, Path: strings.TrimSuffix(u.Path, "/")}
	return Ref{Kind: KindLiquidFiles, Raw: v, Host: base.String(), Options: opts}, nil
}

// Apply overlays the destination onto conn, typically a named connection
// from the configuration. Fields the ref does not carry are left alone.
func (r Ref) Apply(conn transfer.Connection) transfer.Connection {
	conn.Protocol = transfer.Protocol(r.Kind)
	switch r.Kind {
	case KindSFTP:
		conn.Host = r.Host
		if r.Port != 0 {
			conn.Port = r.Port
		}
		if r.User != "" {
			conn.User = r.User
		}
		conn.DestinationDir = r.Path
		if v := r.Options["jump_host"]; v != "" {
			conn.JumpHost = v
		}
		if v := r.Options["key"]; v != "" {
			conn.KeyPath = v
		}
		if r.Options["native"] == "false" {
			conn.DisableNative = true
		}
	case KindS3:
		conn.Bucket = r.Bucket
		conn.Prefix = r.Key
		if r.Region != "" {
			conn.Region = r.Region
		}
		if v := r.Options["endpoint"]; v != "" {
			conn.Endpoint = v
		}
	case KindLiquidFiles:
		conn.Host = r.Host
		if v := r.Options["subject"]; v != "" {
			conn.Subject = v
		}
	}
	return conn
}

func parseQueryOptions(q url.Values) map[string]string {
	if len(q) == 0 {
		return nil
	}
	out := make(map[string]string, len(q))
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		values := q[k]
		switch len(values) {
		case 0:
			out[key] = ""
		case 1:
			out[key] = values[0]
		default:
			out[key] = strings.Join(values, ",")
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
