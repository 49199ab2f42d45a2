// Package remote defines the narrow capability surface the transfer engine
// and navigator need from the SFTP protocol library, plus the adapter over
// github.com/pkg/sftp. The protocol itself is treated as a provided
// collaborator; nothing here re-implements wire behavior.
package remote

import (
	"errors"
	"io"
	"os"
	"strings"

	"github.com/pkg/sftp"
)

// File is an open remote file handle. Seek support is what makes
// resume-from-offset possible after a reconnect.
type File interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
}

// FS is the remote filesystem capability handed out by a session.
type FS interface {
	Open(path string) (File, error)
	OpenFile(path string, flags int) (File, error)
	Stat(path string) (os.FileInfo, error)
	Lstat(path string) (os.FileInfo, error)
	ReadDir(path string) ([]os.FileInfo, error)
	Mkdir(path string) error
	Remove(path string) error
	RemoveDirectory(path string) error
	Rename(oldPath, newPath string) error
	ReadLink(path string) (string, error)
	RealPath(path string) (string, error)
}

// sftpFS adapts *sftp.Client to FS.
type sftpFS struct {
	client *sftp.Client
}

// NewSFTP wraps an established SFTP client.
func NewSFTP(client *sftp.Client) FS {
	return &sftpFS{client: client}
}

func (s *sftpFS) Open(path string) (File, error) {
	return s.client.Open(path)
}

func (s *sftpFS) OpenFile(path string, flags int) (File, error) {
	return s.client.OpenFile(path, flags)
}

func (s *sftpFS) Stat(path string) (os.FileInfo, error) {
	return s.client.Stat(path)
}

func (s *sftpFS) Lstat(path string) (os.FileInfo, error) {
	return s.client.Lstat(path)
}

func (s *sftpFS) ReadDir(path string) ([]os.FileInfo, error) {
	return s.client.ReadDir(path)
}

func (s *sftpFS) Mkdir(path string) error {
	return s.client.Mkdir(path)
}

func (s *sftpFS) Remove(path string) error {
	return s.client.Remove(path)
}

func (s *sftpFS) RemoveDirectory(path string) error {
	return s.client.RemoveDirectory(path)
}

func (s *sftpFS) Rename(oldPath, newPath string) error {
	return s.client.Rename(oldPath, newPath)
}

func (s *sftpFS) ReadLink(path string) (string, error) {
	return s.client.ReadLink(path)
}

func (s *sftpFS) RealPath(path string) (string, error) {
	return s.client.RealPath(path)
}

// IsNotExist reports whether err means the remote path does not exist.
// pkg/sftp normalises SSH_FX_NO_SUCH_FILE to os.ErrNotExist.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

// IsPermission reports whether err is a remote permission denial.
func IsPermission(err error) bool {
	return errors.Is(err, os.ErrPermission)
}

// IsQuotaExceeded reports whether err looks like the server ran out of
// allotted space. SFTP has no dedicated status code for quota, so servers
// surface it as a generic failure with a telling message.
func IsQuotaExceeded(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "quota") ||
		strings.Contains(msg, "no space") ||
		strings.Contains(msg, "disk full")
}

// JoinPath joins remote path segments with forward slashes regardless of the
// local OS.
func JoinPath(base, name string) string {
	if base == "" {
		return name
	}
	if name == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + name
}
