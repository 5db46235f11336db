package policy_test

import (
	"github.com/kolkov/usagetrace/internal/usage/policy"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func mustRule(text string) policy.Rule {
	r, err := policy.ParseRule(text)
	Expect(err).NotTo(HaveOccurred())
	return r
}

var _ = Describe("ParseRule", func() {
	DescribeTable("recognises every form",
		func(text string, kind policy.Kind, pattern string, negated bool) {
			r := mustRule(text)
			Expect(r.Kind).To(Equal(kind))
			Expect(r.Pattern).To(Equal(pattern))
			Expect(r.Negated).To(Equal(negated))
			Expect(r.Text).To(Equal(text))
		},
		Entry("star", "*", policy.MatchAll, "", false),
		Entry("double star", "**", policy.MatchAll, "", false),
		Entry("ellipsis", "...", policy.MatchAll, "", false),
		Entry("trailing dot", "pkg.", policy.Prefix, "pkg", false),
		Entry("trailing star", "pkg.sub.*", policy.Prefix, "pkg.sub", false),
		Entry("trailing double star", "com.example.**", policy.Prefix, "com.example", false),
		Entry("slash ellipsis", "github.com/acme/app/...", policy.Prefix, "github.com/acme/app", false),
		Entry("star suffix", "*.YetAnotherUtil", policy.Suffix, "YetAnotherUtil", false),
		Entry("dot suffix", ".E", policy.Suffix, "E", false),
		Entry("slash suffix", "*/internal", policy.Suffix, "internal", false),
		Entry("exact", "com.example.ServiceA", policy.Exact, "com.example.ServiceA", false),
		Entry("simple name", "MyStandaloneClass", policy.Suffix, "MyStandaloneClass", false),
		Entry("implicit prefix", "pkg1.pkg2", policy.Prefix, "pkg1.pkg2", false),
		Entry("mixed case implicit prefix", "org.MyCompany.utils", policy.Prefix, "org.MyCompany.utils", false),
		Entry("import path", "gopkg.in/yaml.v3", policy.Prefix, "gopkg.in/yaml.v3", false),
		Entry("negation", "!com.foo.Bar", policy.Exact, "com.foo.Bar", true),
		Entry("double negation", "!!*", policy.MatchAll, "", false),
	)

	DescribeTable("rejects malformed rules",
		func(text, reason string) {
			_, err := policy.ParseRule(text)
			var pe *policy.ParseError
			Expect(err).To(BeAssignableToTypeOf(pe))
			Expect(err.Error()).To(ContainSubstring(reason))
		},
		Entry("bare negation", "!", "negation of an empty rule"),
		Entry("leading digit", "123invalid", "does not match any recognized form"),
		Entry("negated invalid", "!123invalid", "does not match any recognized form"),
		Entry("inner star", "com.*.Bar", "does not match any recognized form"),
	)
})

var _ = Describe("Parse", func() {
	It("splits lines on every separator and strips comments", func() {
		rules, err := policy.Parse(
			"com.example.ServiceA, !com.example.ServiceB # negate B\n" +
				"  !org.excluded.* // whole package\n" +
				"\n" +
				"MyStandaloneClass\n" +
				"!AnotherClass ; !*.YetAnotherUtil\n")
		Expect(err).NotTo(HaveOccurred())

		texts := make([]string, len(rules))
		for i, r := range rules {
			texts[i] = r.Text
		}
		Expect(texts).To(Equal([]string{
			"com.example.ServiceA",
			"!com.example.ServiceB",
			"!org.excluded.*",
			"MyStandaloneClass",
			"!AnotherClass",
			"!*.YetAnotherUtil",
		}))
	})

	It("returns no rules for blank or comment-only input", func() {
		rules, err := policy.Parse("  \n# nothing here\n// nor here")
		Expect(err).NotTo(HaveOccurred())
		Expect(rules).To(BeEmpty())
	})

	It("reports the offending line", func() {
		_, err := policy.Parse("com.foo\n\nbad*rule")
		Expect(err).To(MatchError(ContainSubstring("line 3")))
	})

	It("accepts a YAML-style list", func() {
		rules, err := policy.ParseList([]string{"com.foo.**", "!com.foo.Bar  # except"})
		Expect(err).NotTo(HaveOccurred())
		Expect(rules).To(HaveLen(2))
	})
})

var _ = Describe("Policy", func() {
	newPolicy := func(text string) *policy.Policy {
		return policy.New(nil, policy.MustParse(text), policy.Flags{})
	}

	It("includes a package except one negated unit", func() {
		p := newPolicy(`com.foo.** !com.foo.Bar`)

		Expect(p.Eligible("com.foo.Baz")).To(BeTrue())
		Expect(p.Eligible("com.foo.sub.Qux")).To(BeTrue())
		Expect(p.Eligible("com.foo.Bar")).To(BeFalse())

		include, by, decided := p.Explain("com.foo.Bar")
		Expect(include).To(BeFalse())
		Expect(decided).To(BeTrue())
		Expect(by.Text).To(Equal("!com.foo.Bar"))
	})

	It("lets the last matching rule win", func() {
		p := newPolicy(`!com.foo.Bar com.foo.**`)
		Expect(p.Eligible("com.foo.Bar")).To(BeTrue())
	})

	It("infers the default from the last rule's polarity", func() {
		Expect(newPolicy(`com.foo.**`).Eligible("org.other.X")).To(BeFalse())
		Expect(newPolicy(`com.foo.** !com.foo.Bar`).Eligible("org.other.X")).To(BeTrue())

		_, _, decided := newPolicy(`com.foo.**`).Explain("org.other.X")
		Expect(decided).To(BeFalse())
	})

	It("excludes everything when there are no rules", func() {
		Expect(newPolicy("").Eligible("com.foo.Bar")).To(BeFalse())
	})

	It("matches prefixes only on segment boundaries", func() {
		p := newPolicy(`com.foo`)
		Expect(p.Eligible("com.foo")).To(BeTrue())
		Expect(p.Eligible("com.foo.Bar")).To(BeTrue())
		Expect(p.Eligible("com.foobar.Baz")).To(BeFalse())
	})

	It("normalises file and nested-unit suffixes", func() {
		p := newPolicy(`github.com/acme/app/... !Handler`)
		Expect(p.Eligible("github.com/acme/app/internal/srv#server.go")).To(BeTrue())
		Expect(p.Eligible("com.acme.Outer$Handler")).To(BeTrue())
		Expect(p.Eligible("com.acme.Handler$1")).To(BeFalse())
	})

	It("never selects the engine's own code", func() {
		p := newPolicy(`*`)
		Expect(p.Eligible("github.com/kolkov/usagetrace/usage#api.go")).To(BeFalse())
		Expect(p.Eligible("golang.org/x/tools/go/ast/astutil")).To(BeFalse())
		Expect(p.Eligible("github.com/kolkov/usagetracer")).To(BeTrue())
	})

	It("evaluates builtin rules before user rules", func() {
		builtin := policy.MustParse(`!com.vendor.**`)
		user := policy.MustParse(`com.vendor.Allowed`)
		p := policy.New(builtin, user, policy.Flags{IncludeSynthetic: true})

		Expect(p.Rules()).To(HaveLen(2))
		Expect(p.Eligible("com.vendor.Allowed")).To(BeTrue())
		Expect(p.Eligible("com.vendor.Other")).To(BeFalse())
		Expect(p.Flags().IncludeSynthetic).To(BeTrue())
	})
})
