package pageelrc

import (
	"encoding/json"
	"fmt"
)

// fieldLocations lists, per flat settings key, the places a value may sit
// in either schema generation. The first present location wins.
var fieldLocations = map[string][][]string{
	"projectType":             {{"projectType"}, {"settings", "projectType"}},
	"postsPath":               {{"paths", "posts"}, {"postsPath"}},
	"imagesPath":              {{"paths", "images"}, {"imagesPath"}},
	"domainUrl":               {{"domainUrl"}, {"settings", "domainUrl"}},
	"postFileTypes":           {{"settings", "postFileTypes"}},
	"imageFileTypes":          {{"settings", "imageFileTypes"}},
	"publishDateSource":       {{"settings", "publishDateSource"}},
	"imageCompressionEnabled": {{"settings", "imageCompressionEnabled"}},
	"maxImageSize":            {{"settings", "maxImageSize"}, {"settings", "imageCompression", "maxSize"}},
	"imageResizeMaxWidth":     {{"settings", "imageResizeMaxWidth"}, {"settings", "imageCompression", "maxWidth"}},
	"newPostCommit":           {{"commitMessages", "newPost"}, {"commits", "newPost"}},
	"updatePostCommit":        {{"commitMessages", "updatePost"}, {"commits", "updatePost"}},
	"newImageCommit":          {{"commitMessages", "newImage"}, {"commits", "newImage"}},
	"updateImageCommit":       {{"commitMessages", "updateImage"}, {"commits", "updateImage"}},
	"postTemplate":            {{"templates", "frontmatter"}},
	"postTableColumns":        {{"ui", "tableColumns"}},
	"postTableColumnWidths":   {{"ui", "columnWidths"}},
}

// Fields flattens every recognised setting found in raw into a map keyed by
// flat settings name, without validating values. A version 2 document
// contributes the active collection's paths as postsPath and imagesPath.
func Fields(raw []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", FileName, err)
	}
	out := map[string]any{}
	for key, locations := range fieldLocations {
		for _, location := range locations {
			if v, ok := at(doc, location); ok && v != nil {
				out[key] = v
				break
			}
		}
	}
	if _, hasPosts := out["postsPath"]; !hasPosts {
		if c := activeCollection(doc); c != nil {
			if v, ok := c["postsPath"]; ok {
				out["postsPath"] = v
			}
			if v, ok := c["imagesPath"]; ok {
				out["imagesPath"] = v
			}
			if v, ok := c["template"]; ok && v != nil {
				if _, set := out["postTemplate"]; !set {
					out["postTemplate"] = v
				}
			}
		}
	}
	return out, nil
}

func at(doc map[string]any, path []string) (any, bool) {
	var cur any = doc
	for _, segment := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func activeCollection(doc map[string]any) map[string]any {
	list, _ := doc["collections"].([]any)
	if len(list) == 0 {
		return nil
	}
	active, _ := doc["activeCollectionId"].(string)
	for _, item := range list {
		c, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if active == "" {
			return c
		}
		if id, _ := c["id"].(string); id == active {
			return c
		}
	}
	first, _ := list[0].(map[string]any)
	return first
}
