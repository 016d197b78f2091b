package platform

import "fmt"

// Builtins returns the compiled signature library the detector ships with.
// Weight and saturation overrides reflect how discriminating each channel is
// for that platform: a .replit file alone is near-conclusive, while React
// needs corroboration across channels.
func Builtins() []Signature {
	sigs := []Signature{
		{
			PlatformID:      "replit",
			FilePatterns:    []string{".replit", "replit.nix"},
			DepPatterns:     []string{"@replit/*"},
			CommitPatterns:  []string{"replit"},
			ContentPatterns: []string{"repl.it", "replit.com"},
			Weights: map[Channel]float64{
				ChanFiles: 0.45, ChanDeps: 0.25, ChanCommits: 0.10, ChanContent: 0.15,
			},
			Saturation: map[Channel]int{ChanFiles: 1, ChanDeps: 1, ChanCommits: 1},
			Priority:   5,
		},
		{
			PlatformID:      "lovable",
			FilePatterns:    []string{"lovable.config.js", "lovable.config.ts"},
			DepPatterns:     []string{"@lovable/*", "lovable-tagger"},
			CommitPatterns:  []string{"lovable"},
			ContentPatterns: []string{"@lovable/"},
			Weights: map[Channel]float64{
				ChanFiles: 0.30, ChanDeps: 0.45, ChanCommits: 0.10, ChanFolders: 0.10, ChanContent: 0.05,
			},
			Saturation: map[Channel]int{ChanFiles: 1, ChanDeps: 1, ChanCommits: 1, ChanContent: 1},
			Priority:   5,
		},
		{
			PlatformID:      "figma-make",
			FilePatterns:    []string{"figma.config.*", ".figma/**"},
			DepPatterns:     []string{"@figma/*", "figma-api"},
			CommitPatterns:  []string{"figma"},
			ContentPatterns: []string{"figma.com/file/"},
			Priority:        4,
		},
		{
			PlatformID:      "nextjs",
			FilePatterns:    []string{"next.config.js", "next.config.mjs", "next.config.ts", "next-env.d.ts"},
			FolderPatterns:  []string{"pages", "app/api"},
			DepPatterns:     []string{"next"},
			ContentPatterns: []string{`re:from ['"]next/`},
			Priority:        3,
		},
		{
			PlatformID:      "react",
			FilePatterns:    []string{"*.jsx", "*.tsx"},
			DepPatterns:     []string{"react", "react-dom"},
			ContentPatterns: []string{`re:from ['"]react['"]`},
			Priority:        1,
		},
		{
			PlatformID:      "vue",
			FilePatterns:    []string{"*.vue", "vue.config.js", "vite.config.*"},
			DepPatterns:     []string{"vue", "@vue/*", "nuxt"},
			ContentPatterns: []string{"<template>"},
			Priority:        2,
		},
		{
			PlatformID:      "django",
			FilePatterns:    []string{"manage.py", "settings.py", "wsgi.py", "asgi.py"},
			FolderPatterns:  []string{"templates", "migrations"},
			DepPatterns:     []string{"django", "Django", "djangorestframework"},
			ContentPatterns: []string{"re:from django"},
			Priority:        2,
		},
	}
	for i := range sigs {
		if err := sigs[i].Compile(); err != nil {
			panic(fmt.Sprintf("builtin signature %s: %v", sigs[i].PlatformID, err))
		}
	}
	return sigs
}
