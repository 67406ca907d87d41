package utils

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// Anchor HTML片段中的一个链接
type Anchor struct {
	Text string
	Href string
}

// ExtractAnchors 从HTML片段中提取所有<a>链接, href相对baseURL解析为绝对地址。
// 用于从已保存节点的value_html中挖掘船舶详情链接(二次播种)。
func ExtractAnchors(fragment string, baseURL string) ([]Anchor, error) {
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return nil, fmt.Errorf("解析HTML片段失败: %w", err)
	}

	var base *url.URL
	if baseURL != "" {
		base, err = url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("解析baseURL失败: %w", err)
		}
	}

	var anchors []Anchor
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				href := strings.TrimSpace(attr.Val)
				if href == "" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "#") {
					break
				}
				if base != nil {
					ref, err := url.Parse(href)
					if err != nil {
						break
					}
					href = base.ResolveReference(ref).String()
				}
				anchors = append(anchors, Anchor{Text: NormText(nodeText(n)), Href: href})
				break
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return anchors, nil
}

// nodeText 收集节点子树的纯文本
func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
