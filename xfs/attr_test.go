package xfs

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestXattrShortform(t *testing.T) {
	for _, v5 := range []bool{true, false} {
		t.Run(map[bool]string{true: "v5", false: "v4"}[v5], func(t *testing.T) {
			b := newImg(t, v5)
			b.buildSfDir(0, nil)
			file := b.buildFileWithSfAttrs([]bldAttr{
				{name: "mimetype", value: []byte("text/plain")},
				{name: "origin", value: []byte("https://example.com"), flags: attrFlagRoot},
				{name: "selinux", value: []byte("system_u"), flags: attrFlagSecure},
				{name: "ghost", value: []byte("x"), flags: attrFlagIncomplete},
			})
			plain := b.buildFile(0, nil, nil)
			fs := b.mount()

			names, err := fs.ListXattr(file)
			if err != nil {
				t.Fatal(err)
			}
			want := []string{"user.mimetype", "trusted.origin", "secure.selinux"}
			if diff := cmp.Diff(want, names); diff != "" {
				t.Errorf("ListXattr (-want +got):\n%s", diff)
			}

			for name, value := range map[string]string{
				"user.mimetype":  "text/plain",
				"trusted.origin": "https://example.com",
				"secure.selinux": "system_u",
			} {
				got, err := fs.GetXattr(file, name)
				if err != nil {
					t.Fatalf("GetXattr(%q): %v", name, err)
				}
				if string(got) != value {
					t.Errorf("GetXattr(%q) = %q", name, got)
				}
			}

			// Namespaces do not leak into each other.
			if _, err := fs.GetXattr(file, "user.origin"); !errors.Is(err, ErrNotExist) {
				t.Errorf("cross-namespace get: err = %v, want ErrNotExist", err)
			}
			// Incomplete entries are invisible.
			if _, err := fs.GetXattr(file, "user.ghost"); !errors.Is(err, ErrNotExist) {
				t.Errorf("incomplete get: err = %v, want ErrNotExist", err)
			}
			// A file with no attr fork lists empty and misses cleanly.
			if names, err := fs.ListXattr(plain); err != nil || len(names) != 0 {
				t.Errorf("ListXattr(plain) = %v, %v", names, err)
			}
			if _, err := fs.GetXattr(plain, "user.mimetype"); !errors.Is(err, ErrNotExist) {
				t.Errorf("GetXattr(plain): err = %v, want ErrNotExist", err)
			}
		})
	}
}

func TestXattrLeaf(t *testing.T) {
	for _, v5 := range []bool{true, false} {
		t.Run(map[bool]string{true: "v5", false: "v4"}[v5], func(t *testing.T) {
			b := newImg(t, v5)
			b.buildSfDir(0, nil)

			attrs := make([]bldAttr, 64)
			for i := range attrs {
				attrs[i] = bldAttr{
					name:  fmt.Sprintf("key%04d", i),
					value: []byte(fmt.Sprintf("value-%04d", i)),
					flags: attrFlagLocal,
				}
			}
			big := bytes.Repeat([]byte{0xab}, 700)
			attrs = append(attrs, bldAttr{name: "blob", value: big})

			file := b.buildFileWithLeafAttrs([][]bldAttr{attrs}, map[string][]byte{"blob": big})
			fs := b.mount()

			names, err := fs.ListXattr(file)
			if err != nil {
				t.Fatal(err)
			}
			if len(names) != len(attrs) {
				t.Fatalf("ListXattr returned %d names, want %d", len(names), len(attrs))
			}
			if !sort.SliceIsSorted(names, func(i, j int) bool {
				return nameHash([]byte(names[i][len("user."):])) <= nameHash([]byte(names[j][len("user."):]))
			}) {
				t.Error("names not in hash order")
			}

			for i := 0; i < len(attrs)-1; i += 7 {
				got, err := fs.GetXattr(file, "user."+attrs[i].name)
				if err != nil {
					t.Fatalf("GetXattr(%q): %v", attrs[i].name, err)
				}
				if !bytes.Equal(got, attrs[i].value) {
					t.Errorf("GetXattr(%q) = %q", attrs[i].name, got)
				}
			}

			// The remote value round-trips through its own block.
			got, err := fs.GetXattr(file, "user.blob")
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, big) {
				t.Errorf("remote value: got %d bytes, first %#x", len(got), got[0])
			}

			if _, err := fs.GetXattr(file, "user.key9999"); !errors.Is(err, ErrNotExist) {
				t.Errorf("miss: err = %v, want ErrNotExist", err)
			}
		})
	}
}

func TestXattrNode(t *testing.T) {
	b := newImg(t, true)
	b.buildSfDir(0, nil)

	var all []bldAttr
	for i := 0; i < 60; i++ {
		all = append(all, bldAttr{
			name:  fmt.Sprintf("node%04d", i),
			value: []byte(fmt.Sprintf("v%d", i)),
			flags: attrFlagLocal,
		})
	}
	sort.Slice(all, func(i, j int) bool {
		return nameHash([]byte(all[i].name)) < nameHash([]byte(all[j].name))
	})
	file := b.buildFileWithNodeAttrs([][]bldAttr{all[:20], all[20:40], all[40:]})
	fs := b.mount()

	names, err := fs.ListXattr(file)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 60 {
		t.Fatalf("ListXattr = %d names", len(names))
	}
	for _, a := range all {
		got, err := fs.GetXattr(file, "user."+a.name)
		if err != nil {
			t.Fatalf("GetXattr(%q): %v", a.name, err)
		}
		if !bytes.Equal(got, a.value) {
			t.Errorf("GetXattr(%q) = %q", a.name, got)
		}
	}
	if _, err := fs.GetXattr(file, "user.node9999"); !errors.Is(err, ErrNotExist) {
		t.Errorf("miss: err = %v, want ErrNotExist", err)
	}
}

func TestXattrBadNamespace(t *testing.T) {
	b := newImg(t, true)
	b.buildSfDir(0, nil)
	file := b.buildFileWithSfAttrs([]bldAttr{{name: "a", value: []byte("b")}})
	fs := b.mount()

	if _, err := fs.GetXattr(file, "bogus.a"); !errors.Is(err, ErrNotExist) {
		t.Errorf("unknown namespace: err = %v, want ErrNotExist", err)
	}
}
