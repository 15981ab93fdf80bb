package rules

import (
	"regexp"
	"sync"
)

// regexCache 编译结果缓存，编译失败的模式同样缓存
var regexCache = &patternCache{}

type patternCache struct {
	m sync.Map
}

type cachedPattern struct {
	re  *regexp.Regexp
	err error
}

// Get 返回编译后的正则
func (c *patternCache) Get(pattern string) (*regexp.Regexp, error) {
	if v, ok := c.m.Load(pattern); ok {
		p := v.(cachedPattern)
		return p.re, p.err
	}
	re, err := regexp.Compile(pattern)
	v, _ := c.m.LoadOrStore(pattern, cachedPattern{re: re, err: err})
	p := v.(cachedPattern)
	return p.re, p.err
}

func matchRegex(s, pattern string) bool {
	re, err := regexCache.Get(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
