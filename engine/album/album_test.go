package album

import (
	"reflect"
	"testing"
)

func TestAppendUniqueSkipsDuplicates(t *testing.T) {
	out := appendUnique([]string{"a", "b"}, "b")
	if !reflect.DeepEqual(out, []string{"a", "b"}) {
		t.Fatalf("appendUnique = %v", out)
	}
	out = appendUnique(out, "c")
	if !reflect.DeepEqual(out, []string{"a", "b", "c"}) {
		t.Fatalf("appendUnique = %v", out)
	}
}
