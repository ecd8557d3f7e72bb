// Package correction post-processes recognized text with a chat model.
package correction
