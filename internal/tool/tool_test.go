package tool

import (
	"reflect"
	"testing"
)

func TestCreditsFor_DeduplicatesAndFloors(t *testing.T) {
	if got := CreditsFor([]Tool{WebSearch, WebBrowse}); got != 7 {
		t.Fatalf("web_search+web_browse: %d", got)
	}
	if got := CreditsFor([]Tool{WebSearch, WebSearch, WebSearch}); got != 2 {
		t.Fatalf("duplicates must count once: %d", got)
	}
	if got := CreditsFor(nil); got != 1 {
		t.Fatalf("empty set floors at basic chat: %d", got)
	}
	if got := CreditsFor([]Tool{"totally_unknown"}); got != 1 {
		t.Fatalf("unknown tool priced as basic chat: %d", got)
	}
}

func TestPlanTools_UnknownFallsBackToStarter(t *testing.T) {
	starter := PlanTools("starter")
	if got := PlanTools("enterprise-gold"); !reflect.DeepEqual(got, starter) {
		t.Fatalf("unknown plan: %v", got)
	}
	pro := PlanTools("PRO")
	if len(pro) != 4 {
		t.Fatalf("pro plan: %v", pro)
	}
}

func TestNormalize_DefaultsAndDropsBlanks(t *testing.T) {
	if got := Normalize(nil); !reflect.DeepEqual(got, []Tool{WebSearch}) {
		t.Fatalf("nil: %v", got)
	}
	if got := Normalize([]string{" ", ""}); !reflect.DeepEqual(got, []Tool{WebSearch}) {
		t.Fatalf("blank-only: %v", got)
	}
	got := Normalize([]string{"web_browse", " code_exec "})
	if !reflect.DeepEqual(got, []Tool{WebBrowse, CodeExec}) {
		t.Fatalf("normalize: %v", got)
	}
}

func TestIntersect_PreservesOrder(t *testing.T) {
	agent := []Tool{EmailSend, WebSearch, CodeExec}
	allowed := PlanTools("pro")
	got := Intersect(agent, allowed)
	if !reflect.DeepEqual(got, []Tool{WebSearch, CodeExec}) {
		t.Fatalf("intersect: %v", got)
	}
	if got := Intersect([]Tool{EmailSend}, PlanTools("starter")); len(got) != 0 {
		t.Fatalf("starter must not allow email_send: %v", got)
	}
}
