/*
Copyright 2016 Euan Kemp

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package rotate

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/sys/unix"
)

func readFile(g *gomega.WithT, path string) string {
	b, err := os.ReadFile(path)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	return string(b)
}

func writeFile(g *gomega.WithT, path, content string) {
	g.Expect(os.WriteFile(path, []byte(content), 0o644)).To(gomega.Succeed())
}

func TestStreamSink(t *testing.T) {
	g := gomega.NewWithT(t)

	var buf bytes.Buffer
	s := Stream(&buf)
	for i := 0; i < 3; i++ {
		n, err := s.Write([]byte("line\n"))
		g.Expect(err).NotTo(gomega.HaveOccurred())
		g.Expect(n).To(gomega.Equal(5))
	}
	g.Expect(s.Written()).To(gomega.BeEquivalentTo(15))
	g.Expect(s.Close()).To(gomega.Succeed())
	g.Expect(buf.String()).To(gomega.Equal("line\nline\nline\n"))
}

func TestFileSinkStartupRotation(t *testing.T) {
	g := gomega.NewWithT(t)
	base := filepath.Join(t.TempDir(), "kmsg.log")

	// Two runs back to back: the second leaves its own data in base and the
	// first run's data in base.1.
	for _, run := range []string{"first run\n", "second run\n"} {
		f := NewFile(base)
		_, err := f.Write([]byte(run))
		g.Expect(err).NotTo(gomega.HaveOccurred())
		g.Expect(f.Close()).To(gomega.Succeed())
	}

	g.Expect(readFile(g, base)).To(gomega.Equal("second run\n"))
	g.Expect(readFile(g, base+".1")).To(gomega.Equal("first run\n"))
	g.Expect(base + ".2").NotTo(gomega.BeAnExistingFile())
}

func TestNewFileDoesNotTouchDisk(t *testing.T) {
	g := gomega.NewWithT(t)
	base := filepath.Join(t.TempDir(), "kmsg.log")
	writeFile(g, base, "old\n")

	f := NewFile(base)
	g.Expect(f.Close()).To(gomega.Succeed())
	g.Expect(readFile(g, base)).To(gomega.Equal("old\n"))
	g.Expect(base + ".1").NotTo(gomega.BeAnExistingFile())
}

func TestFileSinkOpenRotatesWithoutWrites(t *testing.T) {
	g := gomega.NewWithT(t)
	base := filepath.Join(t.TempDir(), "kmsg.log")
	writeFile(g, base, "previous run\n")

	f := NewFile(base)
	g.Expect(f.Open()).To(gomega.Succeed())
	g.Expect(f.Close()).To(gomega.Succeed())

	g.Expect(readFile(g, base)).To(gomega.Equal(""))
	g.Expect(readFile(g, base+".1")).To(gomega.Equal("previous run\n"))
	g.Expect(f.Rotations()).To(gomega.Equal(1))

	// Open is a no-op once started.
	g.Expect(f.Open()).To(gomega.Succeed())
	g.Expect(f.Rotations()).To(gomega.Equal(1))
}

func TestMissingGenerationsLoggedAtDebug(t *testing.T) {
	g := gomega.NewWithT(t)
	base := filepath.Join(t.TempDir(), "kmsg.log")

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	f := NewFile(base, WithMaxFiles(3), WithLogger(logger))
	g.Expect(f.Open()).To(gomega.Succeed())
	defer f.Close()

	g.Expect(hook.AllEntries()).To(gomega.HaveLen(3))
	for _, e := range hook.AllEntries() {
		g.Expect(e.Level).To(gomega.Equal(logrus.DebugLevel))
	}
}

func TestFileSinkMaxFilesAtLeastOne(t *testing.T) {
	g := gomega.NewWithT(t)
	base := filepath.Join(t.TempDir(), "kmsg.log")
	writeFile(g, base, "old run\n")

	f := NewFile(base, WithMaxSize(4), WithMaxFiles(0))
	defer f.Close()

	for i := 0; i < 5; i++ {
		_, err := f.Write([]byte("line\n"))
		g.Expect(err).NotTo(gomega.HaveOccurred())
	}
	g.Expect(f.Rotations()).To(gomega.Equal(6))
	g.Expect(readFile(g, base)).To(gomega.Equal(""))
	g.Expect(readFile(g, base+".1")).To(gomega.Equal("line\n"))
	g.Expect(base + ".2").NotTo(gomega.BeAnExistingFile())
}

func TestFileSinkFileMode(t *testing.T) {
	g := gomega.NewWithT(t)
	old := unix.Umask(0o022)
	defer unix.Umask(old)

	base := filepath.Join(t.TempDir(), "kmsg.log")
	f := NewFile(base)
	_, err := f.Write([]byte("x\n"))
	g.Expect(err).NotTo(gomega.HaveOccurred())
	defer f.Close()

	fi, err := os.Stat(base)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(fi.Mode().Perm()).To(gomega.Equal(os.FileMode(0o644)))
}

func TestFileSinkSizeTrigger(t *testing.T) {
	g := gomega.NewWithT(t)
	base := filepath.Join(t.TempDir(), "kmsg.log")

	f := NewFile(base, WithMaxSize(10), WithMaxFiles(3))
	defer f.Close()

	_, err := f.Write([]byte("aaaa\n")) // 5
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(f.Written()).To(gomega.BeEquivalentTo(5))
	g.Expect(f.Rotations()).To(gomega.Equal(1))

	// Crosses the threshold: lands in the old generation, then rotates.
	_, err = f.Write([]byte("bbbbbb\n")) // 12
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(f.Rotations()).To(gomega.Equal(2))
	g.Expect(f.Written()).To(gomega.BeEquivalentTo(0))
	g.Expect(readFile(g, base+".1")).To(gomega.Equal("aaaa\nbbbbbb\n"))
	g.Expect(readFile(g, base)).To(gomega.Equal(""))

	_, err = f.Write([]byte("cc\n"))
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(f.Written()).To(gomega.BeEquivalentTo(3))
	g.Expect(f.Rotations()).To(gomega.Equal(2))
	g.Expect(readFile(g, base)).To(gomega.Equal("cc\n"))
}

func TestFileSinkExactThresholdRotates(t *testing.T) {
	g := gomega.NewWithT(t)
	base := filepath.Join(t.TempDir(), "kmsg.log")

	f := NewFile(base, WithMaxSize(4))
	defer f.Close()

	_, err := f.Write([]byte("abc\n"))
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(f.Rotations()).To(gomega.Equal(2))
	g.Expect(readFile(g, base+".1")).To(gomega.Equal("abc\n"))
}

func TestFileSinkKeepsMaxFilesGenerations(t *testing.T) {
	g := gomega.NewWithT(t)
	const maxFiles = 3
	base := filepath.Join(t.TempDir(), "kmsg.log")

	// Pre-existing generations from an earlier run.
	writeFile(g, base, "gen0\n")
	for i := 1; i <= maxFiles; i++ {
		writeFile(g, fmt.Sprintf("%s.%d", base, i), fmt.Sprintf("gen%d\n", i))
	}

	f := NewFile(base, WithMaxSize(1), WithMaxFiles(maxFiles))
	defer f.Close()

	// Each write crosses the threshold and rotates right after landing.
	for i := 0; i <= maxFiles; i++ {
		_, err := f.Write([]byte(fmt.Sprintf("w%d\n", i)))
		g.Expect(err).NotTo(gomega.HaveOccurred())
	}
	g.Expect(f.Rotations()).To(gomega.Equal(1 + maxFiles + 1))

	for i := 1; i <= maxFiles; i++ {
		g.Expect(f.Generation(i)).To(gomega.BeAnExistingFile())
	}
	g.Expect(f.Generation(maxFiles + 1)).NotTo(gomega.BeAnExistingFile())
	g.Expect(readFile(g, base)).To(gomega.Equal(""))
	g.Expect(readFile(g, base+".1")).To(gomega.Equal("w3\n"))
	g.Expect(readFile(g, base+".2")).To(gomega.Equal("w2\n"))
	g.Expect(readFile(g, base+".3")).To(gomega.Equal("w1\n"))
}

func TestRotateNPlusOneTimes(t *testing.T) {
	g := gomega.NewWithT(t)
	const maxFiles = 4
	base := filepath.Join(t.TempDir(), "kmsg.log")

	f := NewFile(base, WithMaxFiles(maxFiles))
	defer f.Close()

	// Write one marker per generation, rotating after each.
	for i := 0; i <= maxFiles; i++ {
		_, err := f.Write([]byte(fmt.Sprintf("marker %d\n", i)))
		g.Expect(err).NotTo(gomega.HaveOccurred())
		g.Expect(f.Rotate()).To(gomega.Succeed())
	}
	_, err := f.Write([]byte("latest\n"))
	g.Expect(err).NotTo(gomega.HaveOccurred())

	// marker 0 fell off the end; markers 1..4 are in .4 .. .1.
	for i := 1; i <= maxFiles; i++ {
		g.Expect(readFile(g, f.Generation(i))).To(gomega.Equal(fmt.Sprintf("marker %d\n", maxFiles+1-i)))
	}
	g.Expect(f.Generation(maxFiles + 1)).NotTo(gomega.BeAnExistingFile())
	g.Expect(readFile(g, base)).To(gomega.Equal("latest\n"))
}

func permissionDenied(failOn string) func(string, string) error {
	return func(oldpath, newpath string) error {
		if oldpath == failOn {
			return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: unix.EACCES}
		}
		return os.Rename(oldpath, newpath)
	}
}

func TestPolicyAbortOnPermissionError(t *testing.T) {
	g := gomega.NewWithT(t)
	base := filepath.Join(t.TempDir(), "kmsg.log")
	writeFile(g, base, "gen0\n")
	writeFile(g, base+".1", "gen1\n")
	writeFile(g, base+".2", "gen2\n")

	logger, hook := logtest.NewNullLogger()
	f := NewFile(base, WithMaxFiles(3), WithLogger(logger))
	f.rename = permissionDenied(base + ".1")

	_, err := f.Write([]byte("never\n"))
	g.Expect(err).To(gomega.MatchError(ErrPermission))

	// .2 was already shifted before the failure; nothing after it ran.
	g.Expect(readFile(g, base+".3")).To(gomega.Equal("gen2\n"))
	g.Expect(readFile(g, base+".1")).To(gomega.Equal("gen1\n"))
	g.Expect(readFile(g, base)).To(gomega.Equal("gen0\n"))
	g.Expect(hook.AllEntries()).To(gomega.BeEmpty())

	_, err = f.Write([]byte("still never\n"))
	g.Expect(errors.Is(err, os.ErrClosed)).To(gomega.BeTrue())
}

func TestPolicyContinueOnPermissionError(t *testing.T) {
	g := gomega.NewWithT(t)
	base := filepath.Join(t.TempDir(), "kmsg.log")
	writeFile(g, base, "gen0\n")
	writeFile(g, base+".1", "gen1\n")
	writeFile(g, base+".2", "gen2\n")

	logger, hook := logtest.NewNullLogger()
	f := NewFile(base, WithMaxFiles(3), WithPolicy(PolicyContinue), WithLogger(logger))
	f.rename = permissionDenied(base + ".1")
	defer f.Close()

	_, err := f.Write([]byte("fresh\n"))
	g.Expect(err).NotTo(gomega.HaveOccurred())

	// base.1 could not move, so base overwrote it.
	g.Expect(readFile(g, base+".3")).To(gomega.Equal("gen2\n"))
	g.Expect(readFile(g, base+".1")).To(gomega.Equal("gen0\n"))
	g.Expect(readFile(g, base)).To(gomega.Equal("fresh\n"))

	g.Expect(hook.AllEntries()).To(gomega.HaveLen(1))
	g.Expect(hook.LastEntry().Level).To(gomega.Equal(logrus.ErrorLevel))
}

func TestParsePolicy(t *testing.T) {
	g := gomega.NewWithT(t)

	p, err := ParsePolicy("abort")
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(p).To(gomega.Equal(PolicyAbort))

	p, err = ParsePolicy("Continue")
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(p).To(gomega.Equal(PolicyContinue))
	g.Expect(p.String()).To(gomega.Equal("continue"))

	_, err = ParsePolicy("ignore")
	g.Expect(err).To(gomega.HaveOccurred())
}
